// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package ingress subscribes to the global broker's origin notifications
// and feeds them into the work queue, deduplicating exact MQTT
// redeliveries by notification id before anything reaches the pipeline
// and keying each item by message_group_id so unrelated data_ids fan out across
// workers while same-data_id notifications stay ordered.
package ingress

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/wmo-im/wis2-gc/internal/notification"
	"github.com/wmo-im/wis2-gc/internal/workqueue"
	"github.com/wmo-im/wis2-gc/pkg/lrucache"
	"github.com/wmo-im/wis2-gc/pkg/log"
)

// Config configures the subscribing connection.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	ClientID string
	DevMode  bool
	Topics   []string
	// RedeliveryWindow bounds how long a notification id is remembered
	// to drop exact at-least-once redeliveries before they re-enter the
	// work queue.
	RedeliveryWindow time.Duration
	// DestinationBucketName is this cache's own upload bucket. Any
	// inbound notification carrying a link whose href contains it is
	// one of this cache's own republishes and is dropped before
	// enqueue, preventing an infinite republish loop.
	DestinationBucketName string
}

// Subscriber owns the MQTT connection that feeds notifications into a
// Queue.
type Subscriber struct {
	conn  mqtt.Client
	queue *workqueue.Queue
	seen  *lrucache.Cache
	cfg   Config
}

// Connect dials cfg.Host, subscribes to every configured topic at QoS
// 1, and enqueues each message it has not already seen onto queue.
func Connect(cfg Config, queue *workqueue.Queue) (*Subscriber, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("ingress: broker host is required")
	}
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("ingress: at least one subscribe topic is required")
	}

	window := cfg.RedeliveryWindow
	if window <= 0 {
		window = 10 * time.Minute
	}

	s := &Subscriber{
		queue: queue,
		seen:  lrucache.New(1 << 20),
		cfg:   cfg,
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "wis2_gc_ingress"
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
		log.Stagef("INGEST", "ingress connection lost: %v", err)
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		log.Stage("INGEST", "ingress reconnecting")
	})
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		log.Stagef("INGEST", "ingress connected to %s:%d", cfg.Host, cfg.Port)
		for _, topic := range cfg.Topics {
			topic := topic
			token := c.Subscribe(topic, 1, s.onMessage)
			token.Wait()
			if err := token.Error(); err != nil {
				log.Stagef("INGEST", "resubscribe to %q failed: %v", topic, err)
			}
		}
	})

	c := mqtt.NewClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(30*time.Second) || token.Error() != nil {
		if token.Error() != nil {
			return nil, fmt.Errorf("ingress: connect: %w", token.Error())
		}
		return nil, fmt.Errorf("ingress: connect timed out")
	}
	s.conn = c

	return s, nil
}

func (s *Subscriber) onMessage(_ mqtt.Client, msg mqtt.Message) {
	s.Handle(msg.Payload())
}

// Handle is the message-handling logic, split out from onMessage so
// tests can drive it without a live broker.
func (s *Subscriber) Handle(payload []byte) {
	id, dataID, hrefs, err := notification.PeekIDs(payload)
	if err != nil {
		log.Stagef("INGEST", "dropping unparseable message: %v", err)
		return
	}
	if id == "" || dataID == "" {
		log.Stagef("INGEST", "dropping message missing id or data_id")
		return
	}

	if bucket := s.cfg.DestinationBucketName; bucket != "" {
		for _, href := range hrefs {
			if strings.Contains(href, bucket) {
				log.Stagef("INGEST", "dropping looped message %s (href references own bucket)", id)
				return
			}
		}
	}

	if existing := s.seen.Get(id, nil); existing != nil {
		log.Stagef("INGEST", "dropping redelivered message %s", id)
		return
	}
	s.seen.Put(id, true, 1, s.redeliveryWindow())

	groupID := notification.MessageGroupID(dataID)
	s.queue.Enqueue(groupID, payload)
}

func (s *Subscriber) redeliveryWindow() time.Duration {
	if s.cfg.RedeliveryWindow <= 0 {
		return 10 * time.Minute
	}
	return s.cfg.RedeliveryWindow
}

// Close disconnects from the broker.
func (s *Subscriber) Close() {
	if s.conn != nil {
		s.conn.Disconnect(250)
	}
}
