// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package workqueue is an in-process FIFO queue that serializes delivery
// within a message group while letting different groups drain
// concurrently, with SQS-FIFO-like visibility timeouts and a
// dead-letter path for items that repeatedly fail. The ingress stage
// enqueues one item per inbound notification, keyed by its
// message_group_id, so that two notifications for the same data_id are
// never handled out of order while unrelated data_ids still fan out
// across the worker pool (spec.md §5).
package workqueue

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Message is one unit of work handed to a worker. Handle is opaque and
// must be passed back to Ack or Nack.
type Message struct {
	Handle       uint64
	GroupID      string
	Body         []byte
	ReceiveCount int
}

// Config bounds redelivery behavior.
type Config struct {
	VisibilityTimeout time.Duration
	MaxReceiveCount   int
}

type inFlight struct {
	msg      *Message
	deadline time.Time
}

// Queue is safe for concurrent use by many producers and many workers.
type Queue struct {
	cfg Config

	mu         sync.Mutex
	cond       *sync.Cond
	groups     map[string]*list.List  // groupID -> FIFO list of *Message
	groupOrder *list.List             // round-robin order of non-empty, non-busy group IDs
	groupNode  map[string]*list.Element
	busy       map[string]bool
	inFlight   map[uint64]*inFlight
	deadLetter []*Message
	nextHandle uint64
	closed     bool
}

func New(cfg Config) *Queue {
	q := &Queue{
		cfg:        cfg,
		groups:     map[string]*list.List{},
		groupOrder: list.New(),
		groupNode:  map[string]*list.Element{},
		busy:       map[string]bool{},
		inFlight:   map[uint64]*inFlight{},
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends body to groupID's FIFO list and wakes a waiting
// Receive call.
func (q *Queue) Enqueue(groupID string, body []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.groups[groupID]
	if !ok {
		l = list.New()
		q.groups[groupID] = l
	}
	l.PushBack(&Message{GroupID: groupID, Body: body})
	q.markReady(groupID)
	q.cond.Broadcast()
}

// markReady adds groupID to the round-robin order if it is not already
// there and is not currently busy. Caller must hold q.mu.
func (q *Queue) markReady(groupID string) {
	if q.busy[groupID] {
		return
	}
	if _, ok := q.groupNode[groupID]; ok {
		return
	}
	q.groupNode[groupID] = q.groupOrder.PushBack(groupID)
}

// Receive blocks until a message is available, ctx is done, or the queue
// is closed. Only one message per group is ever outstanding at a time;
// Receive will not return a second message for a group until the first
// has been Ack'd or Nack'd.
func (q *Queue) Receive(ctx context.Context) (*Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	stop := make(chan struct{})
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				q.mu.Lock()
				q.cond.Broadcast()
				q.mu.Unlock()
			case <-stop:
			}
		}()
		defer close(stop)
	}

	for {
		q.sweepExpiredLocked()

		if ctx != nil {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
		}

		if msg := q.popReadyLocked(); msg != nil {
			return msg, nil
		}
		if q.closed {
			return nil, nil
		}
		q.cond.Wait()
	}
}

// popReadyLocked pops the head message of the first non-busy group in
// round-robin order and marks that group busy. Caller must hold q.mu.
func (q *Queue) popReadyLocked() *Message {
	e := q.groupOrder.Front()
	for e != nil {
		groupID := e.Value.(string)
		next := e.Next()

		l := q.groups[groupID]
		if l == nil || l.Len() == 0 {
			q.groupOrder.Remove(e)
			delete(q.groupNode, groupID)
			e = next
			continue
		}

		front := l.Remove(l.Front()).(*Message)
		q.groupOrder.Remove(e)
		delete(q.groupNode, groupID)
		q.busy[groupID] = true

		q.nextHandle++
		front.Handle = q.nextHandle
		q.inFlight[front.Handle] = &inFlight{msg: front, deadline: time.Now().Add(q.cfg.VisibilityTimeout)}
		return front
	}
	return nil
}

// Ack permanently removes a delivered message and frees its group to be
// scheduled again.
func (q *Queue) Ack(handle uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	inf, ok := q.inFlight[handle]
	if !ok {
		return
	}
	delete(q.inFlight, handle)
	q.releaseGroupLocked(inf.msg.GroupID)
}

// Nack returns a delivered message to its group's queue for redelivery,
// or moves it to the dead letter list once MaxReceiveCount is exceeded.
func (q *Queue) Nack(handle uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.requeueLocked(handle)
}

func (q *Queue) requeueLocked(handle uint64) {
	inf, ok := q.inFlight[handle]
	if !ok {
		return
	}
	delete(q.inFlight, handle)

	msg := inf.msg
	msg.ReceiveCount++
	groupID := msg.GroupID
	q.releaseGroupLocked(groupID)

	if q.cfg.MaxReceiveCount > 0 && msg.ReceiveCount >= q.cfg.MaxReceiveCount {
		q.deadLetter = append(q.deadLetter, msg)
		return
	}

	l, ok := q.groups[groupID]
	if !ok {
		l = list.New()
		q.groups[groupID] = l
	}
	l.PushFront(msg)
	q.markReady(groupID)
	q.cond.Broadcast()
}

func (q *Queue) releaseGroupLocked(groupID string) {
	delete(q.busy, groupID)
	if l, ok := q.groups[groupID]; ok && l.Len() > 0 {
		q.markReady(groupID)
		q.cond.Broadcast()
	}
}

// sweepExpiredLocked requeues any in-flight message whose visibility
// timeout has elapsed without an Ack. Caller must hold q.mu.
func (q *Queue) sweepExpiredLocked() {
	if len(q.inFlight) == 0 {
		return
	}
	now := time.Now()
	var expired []uint64
	for h, inf := range q.inFlight {
		if now.After(inf.deadline) {
			expired = append(expired, h)
		}
	}
	for _, h := range expired {
		q.requeueLocked(h)
	}
}

// DeadLettered returns every message that exhausted MaxReceiveCount,
// draining the internal list.
func (q *Queue) DeadLettered() []*Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.deadLetter
	q.deadLetter = nil
	return out
}

// Close wakes every blocked Receive call, which then returns (nil, nil).
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
