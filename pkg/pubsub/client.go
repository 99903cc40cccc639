// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pubsub

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kadirpekel/wave/pkg/logger"
	"github.com/kadirpekel/wave/pkg/waveerr"
)

const (
	reconnectBase       = 100 * time.Millisecond
	reconnectCap        = 5 * time.Second
	reconnectMaxAttempt = 10
)

// Client wraps a Redis connection with the stream broker's reconnect policy:
// exponential backoff capped at 5s with 0-50% jitter, up to 10 attempts.
type Client struct {
	rdb *redis.Client
	log *logger.Logger
}

// NewClient dials addr (a redis:// URL) eagerly and returns a Client, or an
// error wrapped as waveerr.Connection if the initial ping fails.
func NewClient(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, waveerr.Wrap(waveerr.KindValidation, "parse redis url", err)
	}
	rdb := redis.NewClient(opts)
	c := &Client{rdb: rdb, log: logger.Get().WithComponent("pubsub.client")}
	if err := c.Ping(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Raw exposes the underlying redis.Client for packages in this module that
// need stream commands not otherwise wrapped here.
func (c *Client) Raw() *redis.Client { return c.rdb }

// Ping verifies connectivity, wrapping failures as waveerr.Connection.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return waveerr.Wrap(waveerr.KindConnection, "ping stream broker", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error { return c.rdb.Close() }

// backoffDelay returns the delay before reconnect attempt n (1-indexed):
// base*2^(n-1), capped at reconnectCap, plus 0-50% jitter.
func backoffDelay(n int) time.Duration {
	raw := float64(reconnectBase) * math.Pow(2, float64(n-1))
	if raw > float64(reconnectCap) {
		raw = float64(reconnectCap)
	}
	jitter := raw * 0.5 * rand.Float64()
	return time.Duration(raw + jitter)
}

// ExecuteWithRetry runs op; on a connection error it makes repeated
// reconnect attempts (via Ping, trusting the pool to re-dial) on the backoff
// schedule until one succeeds or the attempts run out, then retries op
// exactly once more. Non-connection errors pass straight through.
func (c *Client) ExecuteWithRetry(ctx context.Context, op func(ctx context.Context) error) error {
	err := op(ctx)
	if err == nil {
		return nil
	}
	kind, ok := waveerr.KindOf(err)
	if !ok || kind != waveerr.KindConnection {
		return err
	}

	for attempt := 1; attempt <= reconnectMaxAttempt; attempt++ {
		select {
		case <-ctx.Done():
			return waveerr.Wrap(waveerr.KindTimeout, "reconnect cancelled", ctx.Err())
		case <-time.After(backoffDelay(attempt)):
		}

		if pingErr := c.Ping(ctx); pingErr != nil {
			c.log.Warn("reconnect attempt failed", "attempt", attempt, "error", pingErr)
			continue
		}

		return op(ctx)
	}

	return waveerr.Wrap(waveerr.KindConnection, "stream broker unreachable after retries", err)
}

// classifyRedisErr wraps a raw redis command error with the appropriate
// waveerr kind so ExecuteWithRetry and callers can route on it uniformly.
func classifyRedisErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if err == redis.Nil {
		return waveerr.Wrap(waveerr.KindNotFound, op, err)
	}
	if _, isNetErr := err.(interface{ Timeout() bool }); isNetErr {
		return waveerr.Wrap(waveerr.KindConnection, op, err)
	}
	return waveerr.Wrap(waveerr.KindConnection, op, err)
}
