// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config loads the gc's environment-variable configuration,
// validating it against an embedded JSON schema before any component is
// wired up, the same fail-fast-at-startup discipline the schema package
// enforces for job-archive's config.json.
package config

import (
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/wmo-im/wis2-gc/pkg/log"
)

//go:embed schemas/*
var schemaFiles embed.FS

func loadEmbedded(s string) (io.ReadCloser, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}
	return schemaFiles.Open(strings.TrimPrefix(u.Host+u.Path, "/"))
}

func init() {
	// url.Parse lowercases the scheme, so the loader key must be lowercase.
	jsonschema.Loaders["embedfs"] = loadEmbedded
}

// Config is every setting the gc's components need, assembled from
// environment variables (optionally loaded from an .env file first).
type Config struct {
	MQTTBrokerHost  string
	MQTTBrokerPort  int
	MQTTSubUser     string
	MQTTSubPass     string
	MQTTPubUser     string
	MQTTPubPass     string
	MQTTClientID    string
	SubscribeTopics []string

	S3Bucket        string
	S3Region        string
	S3Endpoint      string
	S3AccessKey     string
	S3SecretKey     string
	S3PublicBaseURL string
	S3UsePathStyle  bool

	StoreBackend  string // "redis" or "memory"
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	TTL time.Duration

	WorkerCount       int
	MaxReceiveCount   int
	VisibilityTimeout time.Duration
	TempDir           string
	DevMode           bool
	LogLevel          string
}

// Load reads envFile (if present; a missing .env is not an error, the
// same tolerance the legacy .env loader had), then populates and
// validates a Config from the process environment.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			log.Warnf("config: could not load %s: %v", envFile, err)
		}
	}

	doc := map[string]any{}
	setString(doc, "MQTT_BROKER_HOST")
	setInt(doc, "MQTT_BROKER_PORT")
	setString(doc, "MQTT_SUB_TOPICS")
	setString(doc, "S3_BUCKET")
	setString(doc, "S3_REGION")
	setInt(doc, "TTL_MINUTES")
	setString(doc, "STORE_BACKEND")
	setString(doc, "LOG_LEVEL")
	setInt(doc, "WORKER_COUNT")
	setInt(doc, "MAX_RECEIVE_COUNT")
	setInt(doc, "VISIBILITY_TIMEOUT_SECONDS")

	if err := validate(doc); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	cfg := &Config{
		MQTTBrokerHost:  getEnv("MQTT_BROKER_HOST", ""),
		MQTTBrokerPort:  getEnvInt("MQTT_BROKER_PORT", 8883),
		MQTTSubUser:     getEnv("MQTT_SUB_USER", ""),
		MQTTSubPass:     getEnv("MQTT_SUB_PASSWORD", ""),
		MQTTPubUser:     getEnv("MQTT_PUB_USER", ""),
		MQTTPubPass:     getEnv("MQTT_PUB_PASSWORD", ""),
		MQTTClientID:    getEnv("MQTT_CLIENT_ID", "wis2-gc"),
		SubscribeTopics: splitCSV(getEnv("MQTT_SUB_TOPICS", "origin/#")),

		S3Bucket:        getEnv("S3_BUCKET", ""),
		S3Region:        getEnv("S3_REGION", "us-east-1"),
		S3Endpoint:      getEnv("S3_ENDPOINT", ""),
		S3AccessKey:     getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:     getEnv("S3_SECRET_KEY", ""),
		S3PublicBaseURL: getEnv("S3_PUBLIC_BASE_URL", ""),
		S3UsePathStyle:  getEnvBool("S3_USE_PATH_STYLE", false),

		StoreBackend:  getEnv("STORE_BACKEND", "redis"),
		RedisAddr:     getEnv("CACHE_ENDPOINT", "localhost:6379"),
		RedisPassword: getEnv("CACHE_PASSWORD", ""),
		RedisDB:       getEnvInt("CACHE_DB", 0),

		TTL: time.Duration(getEnvInt("TTL_MINUTES", 360)) * time.Minute,

		WorkerCount:       getEnvInt("WORKER_COUNT", 8),
		MaxReceiveCount:   getEnvInt("MAX_RECEIVE_COUNT", 2),
		VisibilityTimeout: time.Duration(getEnvInt("VISIBILITY_TIMEOUT_SECONDS", 120)) * time.Second,
		TempDir:           getEnv("TEMP_DIR", "/tmp/wis2-gc"),
		DevMode:           getEnvBool("DEV_MODE", false),
		LogLevel:          log.ParseLevel(getEnv("LOG_LEVEL", "info")),
	}

	return cfg, nil
}

func validate(doc map[string]any) error {
	s, err := jsonschema.Compile("embedFS://schemas/config.schema.json")
	if err != nil {
		return fmt.Errorf("compiling schema: %w", err)
	}
	buf, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(buf, &v); err != nil {
		return err
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("%#v", err)
	}
	return nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warnf("config: %s=%q is not an integer, using default %d", key, v, def)
		return def
	}
	return n
}

func getEnvBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Warnf("config: %s=%q is not a boolean, using default %v", key, v, def)
		return def
	}
	return b
}

func setString(doc map[string]any, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		doc[key] = v
	}
}

func setInt(doc map[string]any, key string) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		doc[key] = n
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
