// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wmo-im/wis2-gc/internal/notification"
)

func TestFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("synop payload bytes"))
	}))
	defer srv.Close()

	tmp := t.TempDir()
	cfg := DefaultConfig(tmp)
	cfg.BackoffFactor = time.Millisecond
	f := New(cfg)

	result, err := f.Fetch(context.Background(), srv.URL, "obs.bufr4")
	require.NoError(t, err)
	assert.Equal(t, int64(len("synop payload bytes")), result.Size)

	data, err := os.ReadFile(result.Path)
	require.NoError(t, err)
	assert.Equal(t, "synop payload bytes", string(data))
}

func TestFetchRetriesOn503ThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	cfg := DefaultConfig(t.TempDir())
	cfg.BackoffFactor = time.Millisecond
	cfg.MaxRetries = 2
	f := New(cfg)

	result, err := f.Fetch(context.Background(), srv.URL, "obs.bufr4")
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.Size)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestFetchGivesUpAfterMaxRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := DefaultConfig(t.TempDir())
	cfg.BackoffFactor = time.Millisecond
	cfg.MaxRetries = 1
	f := New(cfg)

	_, err := f.Fetch(context.Background(), srv.URL, "obs.bufr4")
	require.Error(t, err)
}

func TestFetchDoesNotRetryOn404(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	cfg := DefaultConfig(t.TempDir())
	cfg.BackoffFactor = time.Millisecond
	f := New(cfg)

	_, err := f.Fetch(context.Background(), srv.URL, "obs.bufr4")
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestFetchDoesNotRetryOnNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("unreachable"))
	}))
	addr := srv.Listener.Addr().String()
	srv.Close() // nothing is listening on addr anymore

	cfg := DefaultConfig(t.TempDir())
	cfg.BackoffFactor = time.Millisecond
	cfg.MaxRetries = 2
	f := New(cfg)

	start := time.Now()
	_, err := f.Fetch(context.Background(), "http://"+addr, "obs.bufr4")
	require.Error(t, err)
	assert.Less(t, time.Since(start), cfg.BackoffFactor*4, "connection refused must fail immediately, not retry with backoff")
}

func TestDecodeInlineUTF8(t *testing.T) {
	data, err := DecodeInline(&notification.ContentBlock{Value: "hello", Encoding: "utf-8"})
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestDecodeInlineBase64(t *testing.T) {
	data, err := DecodeInline(&notification.ContentBlock{Value: "aGVsbG8=", Encoding: "base64"})
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestDecodeInlineRejectsGzip(t *testing.T) {
	_, err := DecodeInline(&notification.ContentBlock{Value: "x", Encoding: "gzip"})
	require.ErrorIs(t, err, ErrUnsupportedEncoding)
}
