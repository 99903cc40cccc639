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
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kadirpekel/wave/pkg/logger"
)

// DLQMaxLen is the approximate trim cap applied to dead-letter streams.
const DLQMaxLen = 1000

// Subscriber belongs to a consumer group and carries a unique consumer
// name within that group (C4).
type Subscriber struct {
	client   *Client
	project  string
	group    string
	consumer string
	channels *ChannelManager
	blockMs  time.Duration
	stopped  atomic.Bool
	log      *logger.Logger
}

// NewSubscriber returns a Subscriber for the given consumer group/consumer
// name, blocking up to blockMs on each read by default.
func NewSubscriber(client *Client, project, group, consumer string, blockMs time.Duration) *Subscriber {
	if blockMs <= 0 {
		blockMs = 5 * time.Second
	}
	return &Subscriber{
		client:   client,
		project:  project,
		group:    group,
		consumer: consumer,
		channels: NewChannelManager(project),
		blockMs:  blockMs,
		log:      logger.Get().WithComponent("pubsub.subscriber"),
	}
}

// EnsureGroup idempotently creates channel's consumer group starting at id
// "0", creating the stream itself if absent.
func (s *Subscriber) EnsureGroup(ctx context.Context, channel string) error {
	err := s.client.Raw().XGroupCreateMkStream(ctx, channel, s.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return classifyRedisErr("ensure group", err)
	}
	return nil
}

// Read performs a consumer-group read of new entries on channel (defaulting
// to the project signals stream), returning up to count parsed events.
func (s *Subscriber) Read(ctx context.Context, channel string, count int64, block time.Duration) ([]StreamEntry, error) {
	if channel == "" {
		channel = s.channels.Signals()
	}
	if count <= 0 {
		count = 10
	}
	if block <= 0 {
		block = s.blockMs
	}

	var entries []StreamEntry
	err := s.client.ExecuteWithRetry(ctx, func(ctx context.Context) error {
		streams, err := s.client.Raw().XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.group,
			Consumer: s.consumer,
			Streams:  []string{channel, ">"},
			Count:    count,
			Block:    block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				entries = nil
				return nil
			}
			return classifyRedisErr("read group", err)
		}
		entries = flattenStreams(streams)
		return nil
	})
	return entries, err
}

// Ack acknowledges processed entries; unacknowledged entries remain
// "pending" for this consumer until claimed via ReadPending.
func (s *Subscriber) Ack(ctx context.Context, channel string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.client.Raw().XAck(ctx, channel, s.group, ids...).Err(); err != nil {
		return classifyRedisErr("ack", err)
	}
	return nil
}

// ReadPending claims entries idle at least minIdle from any consumer in the
// group — the crash-takeover primitive backing S-6.
func (s *Subscriber) ReadPending(ctx context.Context, channel string, minIdle time.Duration, count int64) ([]StreamEntry, error) {
	if channel == "" {
		channel = s.channels.Signals()
	}
	if count <= 0 {
		count = 10
	}

	pending, err := s.client.Raw().XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: channel,
		Group:  s.group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		return nil, classifyRedisErr("xpending", err)
	}

	var ids []string
	for _, p := range pending {
		if p.Idle >= minIdle {
			ids = append(ids, p.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	msgs, err := s.client.Raw().XClaim(ctx, &redis.XClaimArgs{
		Stream:   channel,
		Group:    s.group,
		Consumer: s.consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, classifyRedisErr("xclaim", err)
	}

	entries := make([]StreamEntry, 0, len(msgs))
	for _, m := range msgs {
		entry, decodeErr := decodeFields(m.ID, channel, m.Values)
		if decodeErr != nil {
			s.log.Warn("failed to decode claimed entry", "stream_id", m.ID, "error", decodeErr)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// ListenOutcome tells Listen what to do with the entry it just handed off.
type ListenOutcome struct {
	// Ack acknowledges the entry on the source stream. false leaves it
	// pending for a later ReadPending claim (e.g. a matched handler
	// declined ack); it is NOT a failure and is never diverted to the DLQ.
	Ack bool
	// Err, if non-nil, means the handler itself failed: the entry is
	// diverted to the project DLQ and always acknowledged on the source
	// stream so it is never redelivered there.
	Err error
}

// HandlerFunc processes one StreamEntry read off channel by Listen.
type HandlerFunc func(entry StreamEntry) ListenOutcome

// EventFilter, if non-nil, restricts Listen to entries whose type it accepts.
type EventFilter func(EventType) bool

// Listen runs the read-dispatch-ack loop on channel until Stop is called.
func (s *Subscriber) Listen(ctx context.Context, channel string, handler HandlerFunc, filter EventFilter) error {
	if channel == "" {
		channel = s.channels.Signals()
	}
	if err := s.EnsureGroup(ctx, channel); err != nil {
		return err
	}

	for !s.stopped.Load() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		entries, err := s.Read(ctx, channel, 10, s.blockMs)
		if err != nil {
			s.log.Error("listen loop read error", "channel", channel, "error", err)
			continue
		}

		for _, entry := range entries {
			if filter != nil && !filter(entry.Message.EventType) {
				continue
			}
			outcome := handler(entry)
			if outcome.Err != nil {
				s.divertToDLQ(ctx, channel, entry, outcome.Err)
				_ = s.Ack(ctx, channel, entry.StreamID)
				continue
			}
			if outcome.Ack {
				_ = s.Ack(ctx, channel, entry.StreamID)
			}
		}
	}
	return nil
}

// Stop requests Listen's loop to exit after its current iteration.
func (s *Subscriber) Stop() { s.stopped.Store(true) }

func (s *Subscriber) divertToDLQ(ctx context.Context, originalChannel string, entry StreamEntry, cause error) {
	dlq := s.channels.DLQ()
	fields, err := encodeFields(entry.Message)
	if err != nil {
		s.log.Error("failed to encode DLQ entry", "error", err)
		return
	}
	fields["dlq_error"] = cause.Error()
	fields["dlq_original_id"] = entry.StreamID

	if err := s.client.Raw().XAdd(ctx, &redis.XAddArgs{
		Stream: dlq,
		MaxLen: DLQMaxLen,
		Approx: true,
		Values: fields,
	}).Err(); err != nil {
		s.log.Error("failed to divert entry to DLQ", "channel", originalChannel, "error", err)
	}
}

func flattenStreams(streams []redis.XStream) []StreamEntry {
	var entries []StreamEntry
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			entry, err := decodeFields(msg.ID, stream.Stream, msg.Values)
			if err != nil {
				continue
			}
			entries = append(entries, entry)
		}
	}
	return entries
}
