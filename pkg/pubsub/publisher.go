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
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/kadirpekel/wave/pkg/waveerr"
)

// StreamMaxLen is the approximate trim cap applied to every published stream (C3).
const StreamMaxLen = 10000

// PublishOption customizes one Publish call.
type PublishOption func(*WaveMessage)

// WithSessionID attaches a session correlation id to the published message.
func WithSessionID(id string) PublishOption { return func(m *WaveMessage) { m.SessionID = id } }

// WithStoryID attaches a story correlation id to the published message.
func WithStoryID(id string) PublishOption { return func(m *WaveMessage) { m.StoryID = id } }

// WithCorrelationID attaches an arbitrary correlation id.
func WithCorrelationID(id string) PublishOption {
	return func(m *WaveMessage) { m.CorrelationID = id }
}

// WithPriority overrides the default PriorityNormal.
func WithPriority(p MessagePriority) PublishOption {
	return func(m *WaveMessage) { m.Priority = p }
}

// Publisher appends events to a target stream with an approximate length
// cap (C3), serializing payloads as JSON.
type Publisher struct {
	client  *Client
	project string
	source  string
	channel *ChannelManager
}

// NewPublisher returns a Publisher that stamps every message with source as
// its origin within project.
func NewPublisher(client *Client, project, source string) *Publisher {
	return &Publisher{
		client:  client,
		project: project,
		source:  source,
		channel: NewChannelManager(project),
	}
}

// Publish appends one event to channel (defaulting to the project signals
// stream) and returns the broker-assigned stream id.
func (p *Publisher) Publish(ctx context.Context, eventType EventType, payload map[string]any, channel string, opts ...PublishOption) (string, error) {
	if channel == "" {
		channel = p.channel.Signals()
	}

	msg := WaveMessage{
		EventType: eventType,
		Payload:   payload,
		Source:    p.source,
		Project:   p.project,
		Priority:  PriorityNormal,
		MessageID: uuid.NewString(),
		Timestamp: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&msg)
	}

	var streamID string
	err := p.client.ExecuteWithRetry(ctx, func(ctx context.Context) error {
		fields, encodeErr := encodeFields(msg)
		if encodeErr != nil {
			return waveerr.Wrap(waveerr.KindValidation, "encode event payload", encodeErr)
		}

		id, xaddErr := p.client.Raw().XAdd(ctx, &redis.XAddArgs{
			Stream: channel,
			MaxLen: StreamMaxLen,
			Approx: true,
			Values: fields,
		}).Result()
		if xaddErr != nil {
			return classifyRedisErr("publish", xaddErr)
		}
		streamID = id
		return nil
	})
	return streamID, err
}

// PublishBatch appends every event to its target channel in a single
// pipelined round-trip.
func (p *Publisher) PublishBatch(ctx context.Context, events []BatchEvent) ([]string, error) {
	pipe := p.client.Raw().Pipeline()
	cmds := make([]*redis.StringCmd, len(events))

	for i, e := range events {
		channel := e.Channel
		if channel == "" {
			channel = p.channel.Signals()
		}
		msg := WaveMessage{
			EventType: e.EventType,
			Payload:   e.Payload,
			Source:    p.source,
			Project:   p.project,
			Priority:  PriorityNormal,
			MessageID: uuid.NewString(),
			Timestamp: time.Now().UTC(),
		}
		fields, err := encodeFields(msg)
		if err != nil {
			return nil, waveerr.Wrap(waveerr.KindValidation, "encode batch event", err)
		}
		cmds[i] = pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: channel,
			MaxLen: StreamMaxLen,
			Approx: true,
			Values: fields,
		})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, classifyRedisErr("publish batch", err)
	}

	ids := make([]string, len(cmds))
	for i, cmd := range cmds {
		ids[i] = cmd.Val()
	}
	return ids, nil
}

// BatchEvent is one member of a PublishBatch call.
type BatchEvent struct {
	EventType EventType
	Payload   map[string]any
	Channel   string
}

// PublishToAgent is a convenience wrapper selecting the per-agent channel.
func (p *Publisher) PublishToAgent(ctx context.Context, agentID string, eventType EventType, payload map[string]any, opts ...PublishOption) (string, error) {
	return p.Publish(ctx, eventType, payload, p.channel.Agent(agentID), opts...)
}

// PublishGateEvent is a convenience wrapper selecting the per-gate channel.
func (p *Publisher) PublishGateEvent(ctx context.Context, gate string, eventType EventType, payload map[string]any, opts ...PublishOption) (string, error) {
	return p.Publish(ctx, eventType, payload, p.channel.Gate(gate), opts...)
}

func encodeFields(msg WaveMessage) (map[string]any, error) {
	payloadJSON, err := json.Marshal(msg.Payload)
	if err != nil {
		return nil, err
	}
	fields := map[string]any{
		"event_type": string(msg.EventType),
		"payload":    string(payloadJSON),
		"source":     msg.Source,
		"project":    msg.Project,
		"priority":   string(msg.Priority),
		"message_id": msg.MessageID,
		"timestamp":  msg.Timestamp.Format(time.RFC3339Nano),
	}
	if msg.SessionID != "" {
		fields["session_id"] = msg.SessionID
	}
	if msg.StoryID != "" {
		fields["story_id"] = msg.StoryID
	}
	if msg.CorrelationID != "" {
		fields["correlation_id"] = msg.CorrelationID
	}
	return fields, nil
}

func decodeFields(streamID, channel string, fields map[string]interface{}) (StreamEntry, error) {
	get := func(k string) string {
		if v, ok := fields[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
		return ""
	}

	var payload map[string]any
	if raw := get("payload"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			return StreamEntry{}, waveerr.Wrap(waveerr.KindValidation, "decode event payload", err)
		}
	}

	ts, _ := time.Parse(time.RFC3339Nano, get("timestamp"))

	msg := WaveMessage{
		EventType:     EventType(get("event_type")),
		Payload:       payload,
		Source:        get("source"),
		Project:       get("project"),
		Priority:      MessagePriority(get("priority")),
		MessageID:     get("message_id"),
		Timestamp:     ts,
		SessionID:     get("session_id"),
		StoryID:       get("story_id"),
		CorrelationID: get("correlation_id"),
	}

	return StreamEntry{StreamID: streamID, Channel: channel, Message: msg}, nil
}
