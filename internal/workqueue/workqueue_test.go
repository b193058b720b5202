// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package workqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueReceiveAck(t *testing.T) {
	q := New(Config{VisibilityTimeout: time.Second, MaxReceiveCount: 3})
	q.Enqueue("group-a", []byte("one"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	msg, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "one", string(msg.Body))

	q.Ack(msg.Handle)
}

func TestSameGroupSerializedDifferentGroupsConcurrent(t *testing.T) {
	q := New(Config{VisibilityTimeout: time.Second, MaxReceiveCount: 3})
	q.Enqueue("group-a", []byte("a1"))
	q.Enqueue("group-a", []byte("a2"))
	q.Enqueue("group-b", []byte("b1"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	first, err := q.Receive(ctx)
	require.NoError(t, err)

	// group-a's second message must not be receivable until the first
	// is acked, but group-b's message is independent and ready now.
	second, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first.GroupID, second.GroupID)

	groups := map[string]bool{first.GroupID: true, second.GroupID: true}
	assert.True(t, groups["group-a"])
	assert.True(t, groups["group-b"])

	q.Ack(first.Handle)
	q.Ack(second.Handle)

	third, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "group-a", third.GroupID)
	q.Ack(third.Handle)
}

func TestNackRequeuesUntilDeadLetter(t *testing.T) {
	q := New(Config{VisibilityTimeout: time.Second, MaxReceiveCount: 2})
	q.Enqueue("group-a", []byte("payload"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	msg, err := q.Receive(ctx)
	require.NoError(t, err)
	q.Nack(msg.Handle)

	msg2, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, msg2.ReceiveCount)
	q.Nack(msg2.Handle)

	dead := q.DeadLettered()
	require.Len(t, dead, 1)
	assert.Equal(t, "payload", string(dead[0].Body))
}

func TestVisibilityTimeoutRequeuesUnacked(t *testing.T) {
	q := New(Config{VisibilityTimeout: 20 * time.Millisecond, MaxReceiveCount: 5})
	q.Enqueue("group-a", []byte("x"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	first, err := q.Receive(ctx)
	require.NoError(t, err)
	// Never Ack/Nack first — simulate a crashed worker.

	time.Sleep(50 * time.Millisecond)

	second, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "x", string(second.Body))
	assert.Equal(t, 1, second.ReceiveCount)
	_ = first
}

func TestCloseUnblocksReceive(t *testing.T) {
	q := New(Config{VisibilityTimeout: time.Second, MaxReceiveCount: 3})

	done := make(chan struct{})
	go func() {
		msg, err := q.Receive(context.Background())
		assert.NoError(t, err)
		assert.Nil(t, msg)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Receive did not unblock after Close")
	}
}
