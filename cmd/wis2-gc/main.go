// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"github.com/google/gops/agent"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/wmo-im/wis2-gc/internal/blobstore"
	"github.com/wmo-im/wis2-gc/internal/cleanup"
	"github.com/wmo-im/wis2-gc/internal/config"
	"github.com/wmo-im/wis2-gc/internal/dedupstore"
	"github.com/wmo-im/wis2-gc/internal/egress"
	"github.com/wmo-im/wis2-gc/internal/fetcher"
	"github.com/wmo-im/wis2-gc/internal/ingress"
	"github.com/wmo-im/wis2-gc/internal/metrics"
	"github.com/wmo-im/wis2-gc/internal/notification"
	"github.com/wmo-im/wis2-gc/internal/pipeline"
	"github.com/wmo-im/wis2-gc/internal/workqueue"
	"github.com/wmo-im/wis2-gc/pkg/log"
	"github.com/wmo-im/wis2-gc/pkg/runtimeEnv"
)

func main() {
	var flagEnvFile string
	var flagGops bool
	flag.StringVar(&flagEnvFile, "env", "./.env", "Path to an optional .env file to load before reading the process environment")
	flag.BoolVar(&flagGops, "gops", false, "Listen via github.com/google/gops/agent (for debugging)")
	flag.Parse()

	// See https://github.com/google/gops (Runtime overhead is almost zero)
	if flagGops {
		if err := agent.Listen(agent.Options{}); err != nil {
			log.Fatalf("gops/agent.Listen failed: %s", err.Error())
		}
	}

	cfg, err := config.Load(flagEnvFile)
	if err != nil {
		log.Fatal(err)
	}
	log.SetLogLevel(cfg.LogLevel)

	store, err := newStore(*cfg)
	if err != nil {
		log.Fatalf("opening dedup store: %s", err.Error())
	}
	defer store.Close()

	ctx := context.Background()
	blob, err := blobstore.New(ctx, blobstore.Config{
		Endpoint:      cfg.S3Endpoint,
		Bucket:        cfg.S3Bucket,
		Region:        cfg.S3Region,
		AccessKey:     cfg.S3AccessKey,
		SecretKey:     cfg.S3SecretKey,
		UsePathStyle:  cfg.S3UsePathStyle,
		PublicBaseURL: cfg.S3PublicBaseURL,
		DevMode:       cfg.DevMode,
	})
	if err != nil {
		log.Fatalf("configuring blob store: %s", err.Error())
	}

	fetchCfg := fetcher.DefaultConfig(cfg.TempDir)
	fetchCfg.DevMode = cfg.DevMode
	pipe := &pipeline.Pipeline{
		Store:     store,
		Fetcher:   fetcher.New(fetchCfg),
		Blobstore: blob,
		Metrics:   metrics.NewRegistry(prometheus.DefaultRegisterer),
		TTL:       cfg.TTL,
	}

	queue := workqueue.New(workqueue.Config{
		VisibilityTimeout: cfg.VisibilityTimeout,
		MaxReceiveCount:   cfg.MaxReceiveCount,
	})

	sub, err := ingress.Connect(ingress.Config{
		Host:                  cfg.MQTTBrokerHost,
		Port:                  cfg.MQTTBrokerPort,
		Username:              cfg.MQTTSubUser,
		Password:              cfg.MQTTSubPass,
		ClientID:              cfg.MQTTClientID + "_sub",
		DevMode:               cfg.DevMode,
		Topics:                cfg.SubscribeTopics,
		DestinationBucketName: cfg.S3Bucket,
	}, queue)
	if err != nil {
		log.Fatalf("connecting subscriber: %s", err.Error())
	}
	defer sub.Close()

	pub, err := egress.Connect(egress.Config{
		Host:     cfg.MQTTBrokerHost,
		Port:     cfg.MQTTBrokerPort,
		Username: cfg.MQTTPubUser,
		Password: cfg.MQTTPubPass,
		ClientID: cfg.MQTTClientID + "_pub",
		DevMode:  cfg.DevMode,
		QoS:      1,
	})
	if err != nil {
		log.Fatalf("connecting publisher: %s", err.Error())
	}
	defer pub.Close()

	if err := os.MkdirAll(cfg.TempDir, 0o755); err != nil {
		log.Fatalf("creating temp dir: %s", err.Error())
	}
	if err := runtimeEnv.DropPrivileges(os.Getenv("RUN_AS_USER"), os.Getenv("RUN_AS_GROUP")); err != nil {
		log.Fatalf("error while changing user: %s", err.Error())
	}
	sweeper, err := cleanup.Start(cfg.TempDir, 30*time.Minute)
	if err != nil {
		log.Fatalf("starting cleanup scheduler: %s", err.Error())
	}
	defer sweeper.Shutdown()

	runCtx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	// Receiving from the queue is single-threaded (it already hands out
	// at most one in-flight message per message_group_id); the bound
	// semaphore caps how many of those handed-out messages are being
	// processed by pipeline workers at once, so one slow dataserver
	// fetch can't starve the others.
	sem := semaphore.NewWeighted(int64(cfg.WorkerCount))
	g, gCtx := errgroup.WithContext(runCtx)

	wg.Add(1)
	go func() {
		defer wg.Done()
		runDispatcher(gCtx, queue, sem, g, pipe, pub)
	}()

	wg.Add(1)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer wg.Done()
		<-sigs
		runtimeEnv.SystemdNotify(false, "shutting down")
		cancel()
		queue.Close()
		if err := g.Wait(); err != nil {
			log.Warnf("worker pool drain: %v", err)
		}
	}()

	if os.Getenv("GOGC") == "" {
		debug.SetGCPercent(25)
	}
	runtimeEnv.SystemdNotify(true, "running")
	wg.Wait()
	log.Print("Gracefull shutdown completed!")
}

// runDispatcher pulls messages off queue and spawns a bounded pool of
// pipeline workers via g, until ctx is cancelled or the queue is closed.
func runDispatcher(ctx context.Context, queue *workqueue.Queue, sem *semaphore.Weighted, g *errgroup.Group, pipe *pipeline.Pipeline, pub *egress.Client) {
	for {
		msg, err := queue.Receive(ctx)
		if err != nil {
			return
		}
		if msg == nil {
			return // queue closed
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}

		msg := msg
		g.Go(func() error {
			defer sem.Release(1)
			processMessage(ctx, pipe, pub, queue, msg)
			return nil
		})
	}
}

func processMessage(ctx context.Context, pipe *pipeline.Pipeline, pub *egress.Client, queue *workqueue.Queue, msg *workqueue.Message) {
	// Overall per-item deadline: a timed-out item comes back as a failed
	// outcome and is Nack'd like any other failure.
	ctx, cancel := context.WithTimeout(ctx, 15*time.Minute)
	defer cancel()

	n, outcome := pipe.Process(ctx, msg.Body)

	switch outcome.Kind {
	case pipeline.KindDuplicate, pipeline.KindSkipped:
		queue.Ack(msg.Handle)
		return
	case pipeline.KindFailed:
		if n != nil {
			publishError(pub, n, outcome)
		}
		queue.Nack(msg.Handle)
		return
	}

	if n == nil {
		queue.Ack(msg.Handle)
		return
	}

	cached := outcome.Kind == pipeline.KindCached
	body, topic, err := n.FormatDownstream(cached, outcome.URL)
	if err != nil {
		log.Stagef("PUBLISH", "%s: formatting downstream message: %v", n.DataID, err)
		queue.Ack(msg.Handle)
		return
	}

	if err := pub.Publish(topic, body); err != nil {
		log.Stagef("PUBLISH", "%s: %v", n.DataID, err)
		queue.Nack(msg.Handle)
		return
	}

	queue.Ack(msg.Handle)
}

func publishError(pub *egress.Client, n *notification.Notification, outcome pipeline.Outcome) {
	body, topic, err := n.FormatError(outcome.String())
	if err != nil {
		log.Stagef("PUBLISH_ERROR", "%s: formatting error message: %v", n.DataID, err)
		return
	}
	if err := pub.Publish(topic, body); err != nil {
		log.Stagef("PUBLISH_ERROR", "%s: %v", n.DataID, err)
	}
}

func newStore(cfg config.Config) (dedupstore.Store, error) {
	if cfg.StoreBackend == "memory" {
		return dedupstore.NewMemStore(1 << 20), nil
	}
	return dedupstore.NewRedisStore(dedupstore.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}), nil
}
