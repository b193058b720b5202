// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package fetcher retrieves the object a notification's source link
// points at (or decodes one it carries inline), streaming it to a
// scratch file so later stages can verify its integrity and upload it
// without holding the whole payload in memory.
package fetcher

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/wmo-im/wis2-gc/internal/notification"
	"github.com/wmo-im/wis2-gc/pkg/log"
)

// Config mirrors the reference consumer's fixed retry policy
// (urllib3.Retry(total=2, backoff_factor=0.5, status_forcelist=[500,
// 502, 503, 504]), connect/read timeouts of 10s/30s) as tunables instead
// of constants.
type Config struct {
	TempDir        string
	MaxRetries     int
	BackoffFactor  time.Duration
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	ChunkSize      int
	DevMode        bool
	// RequestsPerSecond caps the rate at which this Fetcher starts new
	// attempts (including retries) against source dataservers, so a
	// burst of notifications from one slow or rate-limiting server
	// doesn't starve the worker pool's other in-flight fetches. Zero
	// means unlimited.
	RequestsPerSecond float64
}

// DefaultConfig returns the reference policy's values.
func DefaultConfig(tempDir string) Config {
	return Config{
		TempDir:           tempDir,
		MaxRetries:        2,
		BackoffFactor:     500 * time.Millisecond,
		ConnectTimeout:    10 * time.Second,
		ReadTimeout:       30 * time.Second,
		ChunkSize:         32768,
		RequestsPerSecond: 20,
	}
}

// Result describes a fetched object now resident on local disk.
type Result struct {
	Path string
	Size int64
}

// InsufficientStorageError reports that /tmp (or whatever TempDir is)
// does not have enough free space for the declared Content-Length.
type InsufficientStorageError struct {
	Needed    int64
	Available uint64
}

func (e *InsufficientStorageError) Error() string {
	return fmt.Sprintf("insufficient storage: need %d bytes, %d available", e.Needed, e.Available)
}

// Fetcher downloads source links with retry-on-5xx and disk space
// preflighting, grounded on the reference consumer's download_file.
type Fetcher struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
}

func New(cfg Config) *Fetcher {
	transport := &http.Transport{}
	if cfg.DevMode {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // dev-mode only, mirrors verify=not dev_mode
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &Fetcher{
		cfg: cfg,
		client: &http.Client{
			Timeout:   cfg.ConnectTimeout + cfg.ReadTimeout,
			Transport: transport,
		},
		limiter: limiter,
	}
}

var retryableStatus = map[int]bool{
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// Fetch downloads href to a new file under f.cfg.TempDir, retrying
// transient 5xx responses with the reference exponential backoff
// (backoff_factor * 2^(attempt-1)). The partial file is removed on any
// failure so a later cleanup sweep never has to guess which files are
// incomplete.
func (f *Fetcher) Fetch(ctx context.Context, href, filename string) (Result, error) {
	if err := os.MkdirAll(f.cfg.TempDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("creating temp dir: %w", err)
	}
	dest := filepath.Join(f.cfg.TempDir, filename)

	var lastErr error
	for attempt := 0; attempt <= f.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(float64(f.cfg.BackoffFactor) * math.Pow(2, float64(attempt-1)))
			log.Stagef("FETCH", "retrying %s after %s (attempt %d/%d): %v", href, backoff, attempt, f.cfg.MaxRetries, lastErr)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return Result{}, ctx.Err()
			}
		}

		if f.limiter != nil {
			if err := f.limiter.Wait(ctx); err != nil {
				return Result{}, err
			}
		}

		result, retryable, err := f.attempt(ctx, href, dest)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !retryable {
			return Result{}, lastErr
		}
	}
	return Result{}, fmt.Errorf("fetch %s: giving up after %d retries: %w", href, f.cfg.MaxRetries, lastErr)
}

func (f *Fetcher) attempt(ctx context.Context, href, dest string) (result Result, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, href, nil)
	if err != nil {
		return Result{}, false, fmt.Errorf("building request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return Result{}, false, fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()

	if retryableStatus[resp.StatusCode] {
		return Result{}, true, fmt.Errorf("server returned %s", resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, false, fmt.Errorf("server returned %s", resp.Status)
	}

	if resp.ContentLength > 0 {
		if err := checkDiskSpace(f.cfg.TempDir, resp.ContentLength); err != nil {
			return Result{}, false, err
		}
	}

	out, err := os.Create(dest)
	if err != nil {
		return Result{}, false, fmt.Errorf("creating destination file: %w", err)
	}

	n, copyErr := io.CopyBuffer(out, resp.Body, make([]byte, f.cfg.ChunkSize))
	closeErr := out.Close()

	if copyErr != nil || closeErr != nil {
		os.Remove(dest)
		if copyErr != nil {
			return Result{}, true, fmt.Errorf("streaming body: %w", copyErr)
		}
		return Result{}, true, fmt.Errorf("closing destination file: %w", closeErr)
	}

	return Result{Path: dest, Size: n}, false, nil
}

func checkDiskSpace(dir string, needed int64) error {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return nil // can't determine free space; let the write itself fail if it must
	}
	available := stat.Bavail * uint64(stat.Bsize)
	if available < uint64(needed) {
		return &InsufficientStorageError{Needed: needed, Available: available}
	}
	return nil
}

// WriteBytes persists already-available bytes (typically an inline
// content block decoded by DecodeInline) under f.cfg.TempDir, so
// inline and linked notifications flow through the same on-disk
// verify/upload path downstream.
func (f *Fetcher) WriteBytes(filename string, data []byte) (Result, error) {
	if err := os.MkdirAll(f.cfg.TempDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("creating temp dir: %w", err)
	}
	dest := filepath.Join(f.cfg.TempDir, filename)
	if err := os.WriteFile(dest, data, 0o640); err != nil {
		return Result{}, fmt.Errorf("writing inline content: %w", err)
	}
	return Result{Path: dest, Size: int64(len(data))}, nil
}

// ErrUnsupportedEncoding is returned by DecodeInline for any
// properties.content.encoding other than "utf-8" or "base64" (the
// reference consumer explicitly rejects "gzip" and anything else).
var ErrUnsupportedEncoding = errors.New("unsupported inline content encoding")

// DecodeInline materializes a notification's inline content block to
// bytes, for messages that embed their payload instead of linking to
// it.
func DecodeInline(cb *notification.ContentBlock) ([]byte, error) {
	switch cb.Encoding {
	case "utf-8", "":
		return []byte(cb.Value), nil
	case "base64":
		return base64.StdEncoding.DecodeString(cb.Value)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, cb.Encoding)
	}
}
