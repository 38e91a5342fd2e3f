// Copyright 2024 Seakee.  All rights reserved.
// Use of this source code is governed by a MIT style
// license that can be found in the LICENSE file.

// Package redisnotify implements notify.Channel over Redis pub/sub. Publish
// and connection-scoped key helpers go through sk-pkg/redis.Manager, in the
// same Manager-based style as app/pkg/schedule/job.go's lock()/unLock(); the
// blocking subscribe loop is driven directly over gomodule/redigo's
// PubSubConn, since Manager does not itself expose a pub/sub primitive.
package redisnotify

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	redigo "github.com/gomodule/redigo/redis"
	"github.com/pkg/errors"
	"github.com/sk-pkg/logger"
	"github.com/sk-pkg/redis"
	"github.com/sk-pkg/util"
	"go.uber.org/zap"

	"github.com/seakee/jobengine/notify"
)

const (
	jobChannelSuffix   = "jobengine:notify:job"
	stateChannelSuffix = "jobengine:notify:state"
)

// Channel is a Redis-backed notify.Channel.
type Channel struct {
	mgr    *redis.Manager
	logger *logger.Manager
	addr   string
	prefix string

	rc *notify.Reconnector

	mu           sync.Mutex
	conn         redigo.PubSubConn
	handlers     map[int]notify.Handler
	stateHandler map[int]notify.StateHandler
	nextID       int
	closeCh      chan struct{}
}

// New builds a redisnotify.Channel. addr is a host:port dial target used
// for the dedicated subscribe connection; mgr is used for publish and key
// namespacing via mgr.Prefix, using util.SpliceStr for key
// construction. maxRetries caps the number of reconnect attempts after a
// dropped connection; maxRetries <= 0 means unlimited, matching
// notify.NewReconnector's own convention.
func New(mgr *redis.Manager, log *logger.Manager, addr string, maxRetries int) *Channel {
	c := &Channel{
		mgr:          mgr,
		logger:       log,
		addr:         addr,
		prefix:       mgr.Prefix,
		handlers:     map[int]notify.Handler{},
		stateHandler: map[int]notify.StateHandler{},
	}
	c.rc = notify.NewReconnector(c.dial, maxRetries, reconnectBackoff)
	return c
}

// reconnectBackoffJitter is the uniform spread applied on top of the
// exponential curve, matching backoff.Exponential's "1 +/- U(0,jitter)"
// formula.
const reconnectBackoffJitter = 0.2

// reconnectBackoff is exponential with a 30s cap and uniform jitter, using
// the same spread formula as backoff.Exponential instead of a bare
// doubling curve.
func reconnectBackoff(attempt int) time.Duration {
	base := time.Second
	d := base << attempt
	if d > 30*time.Second || d <= 0 {
		d = 30 * time.Second
	}

	spread := (rand.Float64()*2 - 1) * reconnectBackoffJitter
	jittered := time.Duration(float64(d) * (1 + spread))
	if jittered < 0 {
		jittered = 0
	}
	return jittered
}

func (c *Channel) jobChannel() string   { return util.SpliceStr(c.prefix, jobChannelSuffix) }
func (c *Channel) stateChannel() string { return util.SpliceStr(c.prefix, stateChannelSuffix) }

// Connect dials the dedicated subscribe connection and starts the receive
// loop. Publishing does not require Connect: it reuses the shared Manager.
func (c *Channel) Connect(ctx context.Context) error {
	return c.rc.Connect(ctx)
}

func (c *Channel) dial(ctx context.Context) error {
	conn, err := redigo.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return errors.Wrap(err, "redisnotify: dial")
	}

	psc := redigo.PubSubConn{Conn: conn}
	if err := psc.Subscribe(c.jobChannel(), c.stateChannel()); err != nil {
		_ = conn.Close()
		return errors.Wrap(err, "redisnotify: subscribe")
	}

	c.mu.Lock()
	c.conn = psc
	c.closeCh = make(chan struct{})
	closeCh := c.closeCh
	c.mu.Unlock()

	go c.receiveLoop(ctx, psc, closeCh)
	return nil
}

func (c *Channel) receiveLoop(ctx context.Context, psc redigo.PubSubConn, closeCh chan struct{}) {
	for {
		select {
		case <-closeCh:
			return
		default:
		}

		switch v := psc.Receive().(type) {
		case redigo.Message:
			c.dispatch(v)
		case redigo.Subscription:
			// connection established/torn down; no action needed.
		case error:
			if c.logger != nil {
				c.logger.Error(ctx, "redisnotify: receive error", zap.Error(v))
			}
			_ = psc.Close()
			c.rc.Failed(ctx)
			return
		}
	}
}

func (c *Channel) dispatch(msg redigo.Message) {
	switch msg.Channel {
	case c.jobChannel():
		var n notify.JobNotification
		if err := json.Unmarshal(msg.Data, &n); err != nil {
			return
		}
		c.mu.Lock()
		hs := make([]notify.Handler, 0, len(c.handlers))
		for _, h := range c.handlers {
			hs = append(hs, h)
		}
		c.mu.Unlock()
		for _, h := range hs {
			h(n)
		}
	case c.stateChannel():
		var n notify.JobStateNotification
		if err := json.Unmarshal(msg.Data, &n); err != nil {
			return
		}
		c.mu.Lock()
		hs := make([]notify.StateHandler, 0, len(c.stateHandler))
		for _, h := range c.stateHandler {
			hs = append(hs, h)
		}
		c.mu.Unlock()
		for _, h := range hs {
			h(n)
		}
	}
}

// Disconnect tears down the subscribe connection and stops reconnection.
func (c *Channel) Disconnect(context.Context) error {
	c.rc.Disconnect()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeCh != nil {
		select {
		case <-c.closeCh:
		default:
			close(c.closeCh)
		}
	}
	if c.conn.Conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Publish is fire-and-forget: the caller's save must not fail because the
// notification failed to broadcast.
func (c *Channel) Publish(ctx context.Context, n notify.JobNotification) error {
	b, err := json.Marshal(n)
	if err != nil {
		return errors.Wrap(err, "redisnotify: encode notification")
	}
	_, err = c.mgr.Do("PUBLISH", c.jobChannel(), b)
	if err != nil {
		if c.logger != nil {
			c.logger.Error(ctx, "redisnotify: publish failed", zap.Error(err))
		}
		return errors.Wrap(err, "redisnotify: publish")
	}
	return nil
}

func (c *Channel) PublishState(ctx context.Context, n notify.JobStateNotification) error {
	b, err := json.Marshal(n)
	if err != nil {
		return errors.Wrap(err, "redisnotify: encode state notification")
	}
	_, err = c.mgr.Do("PUBLISH", c.stateChannel(), b)
	if err != nil {
		if c.logger != nil {
			c.logger.Error(ctx, "redisnotify: publish state failed", zap.Error(err))
		}
		return errors.Wrap(err, "redisnotify: publish state")
	}
	return nil
}

// Subscribe registers h for every delivered JobNotification until the
// returned Unsubscribe is called. Handlers survive reconnects.
func (c *Channel) Subscribe(h notify.Handler) notify.Unsubscribe {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.handlers[id] = h
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}
}

func (c *Channel) SubscribeState(h notify.StateHandler) notify.Unsubscribe {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.stateHandler[id] = h
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.stateHandler, id)
		c.mu.Unlock()
	}
}

func (c *Channel) State() notify.State { return c.rc.State() }
