// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package record

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher appends events to a Redis stream.
type RedisPublisher struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

var _ Publisher = (*RedisPublisher)(nil)

// NewRedisPublisher creates a publisher writing to stream. When maxLen is
// positive the stream is trimmed to roughly that many entries.
func NewRedisPublisher(client redis.UniversalClient, stream string, maxLen int64) *RedisPublisher {
	return &RedisPublisher{client: client, stream: stream, maxLen: maxLen}
}

// Publish sends a batch with one XADD per event, pipelined.
func (p *RedisPublisher) Publish(ctx context.Context, events []Event) error {
	pipe := p.client.Pipeline()
	for _, e := range events {
		args := &redis.XAddArgs{
			Stream: p.stream,
			Values: values(e),
		}
		if p.maxLen > 0 {
			args.MaxLen = p.maxLen
			args.Approx = true
		}
		pipe.XAdd(ctx, args)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis xadd to %s failed: %w", p.stream, err)
	}
	return nil
}

// values flattens e into stream fields, omitting empty ones.
func values(e Event) map[string]any {
	v := map[string]any{
		"session": e.Session,
		"kind":    string(e.Kind),
		"time":    e.Time.UTC().Format(time.RFC3339Nano),
	}
	optional := map[string]string{
		"client":    e.Client,
		"upstream":  e.Upstream,
		"direction": e.Direction,
		"action":    e.Action,
		"side":      e.Side,
		"cause":     e.Cause,
	}
	for k, s := range optional {
		if s != "" {
			v[k] = s
		}
	}
	if e.Kind == KindChunk {
		v["size"] = strconv.Itoa(e.Size)
	}
	return v
}
