// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package egress republishes a pipeline's disposition for a
// notification onto the cache's own MQTT broker, under the
// cache/error topic the notification's FormatDownstream/FormatError
// methods derived.
package egress

import (
	"crypto/tls"
	"fmt"
	"math/rand"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/wmo-im/wis2-gc/pkg/log"
)

// Config configures the publishing connection: a single broker with
// static credentials, mirroring the reference consumer's
// paho.mqtt.publish.single call (hostname, auth, port 8883, QoS 1,
// MQTTv5, TLS).
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	ClientID string
	DevMode  bool
	QoS      byte
}

// Client wraps a paho MQTT connection used only for publishing
// downstream notifications. One instance is shared across the worker
// pool; Publish is safe for concurrent use.
type Client struct {
	conn mqtt.Client
	qos  byte
	mu   sync.Mutex
}

// Connect dials cfg.Host and blocks until the connection succeeds or
// the token times out.
func Connect(cfg Config) (*Client, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("egress: broker host is required")
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("wis2_gc_%d", rand.Intn(1_000_000))
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("ssl://%s:%d", cfg.Host, cfg.Port)).
		SetClientID(clientID).
		SetProtocolVersion(5).
		SetCleanSession(false).
		SetKeepAlive(300 * time.Second).
		SetConnectTimeout(30 * time.Second).
		SetAutoReconnect(true).
		SetOrderMatters(false)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: cfg.DevMode}) //nolint:gosec // dev-mode only

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Stagef("PUBLISH", "egress connection lost: %v", err)
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		log.Stage("PUBLISH", "egress reconnecting")
	})
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		log.Stagef("PUBLISH", "egress connected to %s:%d", cfg.Host, cfg.Port)
	})

	qos := cfg.QoS
	if qos == 0 {
		qos = 1
	}

	c := mqtt.NewClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(30*time.Second) || token.Error() != nil {
		if token.Error() != nil {
			return nil, fmt.Errorf("egress: connect: %w", token.Error())
		}
		return nil, fmt.Errorf("egress: connect timed out")
	}

	return &Client{conn: c, qos: qos}, nil
}

// Publish sends payload to topic at the configured QoS, waiting for the
// broker to acknowledge delivery.
func (c *Client) Publish(topic string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	token := c.conn.Publish(topic, c.qos, false, payload)
	if !token.WaitTimeout(30 * time.Second) {
		return fmt.Errorf("egress: publish to %q timed out", topic)
	}
	return token.Error()
}

// Close disconnects, waiting up to 250ms for in-flight publishes to
// drain.
func (c *Client) Close() {
	c.conn.Disconnect(250)
}

// IsConnected reports whether the underlying MQTT connection is up.
func (c *Client) IsConnected() bool {
	return c.conn.IsConnected()
}
