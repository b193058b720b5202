// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package blobstore uploads verified objects to the cache's S3-compatible
// bucket and derives the public URL a republished notification should
// point at.
package blobstore

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/wmo-im/wis2-gc/pkg/log"
)

// Config holds the configuration for the cache's object store.
type Config struct {
	Endpoint     string
	Bucket       string
	Region       string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
	// PublicBaseURL, when set, is used to build the downstream href
	// instead of the default "https://<bucket>.s3.amazonaws.com" form,
	// for deployments fronted by a CDN or a non-AWS S3-compatible store.
	PublicBaseURL string
	// DevMode skips the actual PutObject call (no bucket needs to exist
	// to run the pipeline end to end locally), but Upload still returns
	// the object's public URL as if the upload had happened.
	DevMode bool
}

// Store uploads cached objects and derives their public URL.
type Store struct {
	client *s3.Client
	cfg    Config
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("blobstore: empty bucket name")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("blobstore: load AWS config: %w", err)
	}

	opts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}

	return &Store{client: s3.NewFromConfig(awsCfg, opts), cfg: cfg}, nil
}

// Upload puts the file at path under key in the cache bucket and
// returns the URL a downstream notification should reference. In
// DevMode the object is never actually written; the URL it would have
// had is still returned so the rest of the pipeline runs unchanged.
func (s *Store) Upload(ctx context.Context, key, path, contentType string) (url string, err error) {
	if s.cfg.DevMode {
		log.Stagef("UPLOAD", "dev mode: skipping put object %q", key)
		return s.PublicURL(key), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("blobstore: open %q: %w", path, err)
	}
	defer f.Close()

	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("blobstore: put object %q: %w", key, err)
	}

	return s.PublicURL(key), nil
}

// PublicURL derives the URL a cached object is reachable at without
// performing any network operation.
func (s *Store) PublicURL(key string) string {
	if s.cfg.PublicBaseURL != "" {
		return fmt.Sprintf("%s/%s", s.cfg.PublicBaseURL, key)
	}
	return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", s.cfg.Bucket, key)
}
