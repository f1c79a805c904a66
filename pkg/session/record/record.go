// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package record wraps sessions so that every lifecycle event and inspected
// chunk is published to an audit stream.
//
// Hooks run on the reactor worker, so recording never blocks: events go to a
// bounded queue and are dropped when it is full. Run drains the queue in
// batches on its own goroutine.
package record

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/absmach/ku/pkg/session"
)

const (
	defaultQueueSize     = 4096
	defaultBatchSize     = 128
	defaultFlushInterval = time.Second
	drainTimeout         = 5 * time.Second
)

// Kind is the kind of a recorded event.
type Kind string

const (
	KindEstablished Kind = "established"
	KindChunk       Kind = "chunk"
	KindClosed      Kind = "closed"
)

// Event is one audit record.
type Event struct {
	Session   string
	Kind      Kind
	Time      time.Time
	Client    string
	Upstream  string
	Direction string
	Action    string
	Size      int
	Side      string
	Cause     string
}

// Publisher delivers batches of events.
type Publisher interface {
	Publish(ctx context.Context, events []Event) error
}

// Config configures a Recorder.
type Config struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	Logger        *slog.Logger
}

// Recorder queues events from wrapped sessions and publishes them.
type Recorder struct {
	pub      Publisher
	events   chan Event
	batch    int
	interval time.Duration
	logger   *slog.Logger

	dropped   atomic.Uint64
	published atomic.Uint64
	failed    atomic.Uint64
}

// New creates a Recorder publishing to pub.
func New(pub Publisher, cfg Config) *Recorder {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Recorder{
		pub:      pub,
		events:   make(chan Event, cfg.QueueSize),
		batch:    cfg.BatchSize,
		interval: cfg.FlushInterval,
		logger:   cfg.Logger,
	}
}

// Stats reports events dropped on a full queue, published, and lost to
// publish failures.
func (r *Recorder) Stats() (dropped, published, failed uint64) {
	return r.dropped.Load(), r.published.Load(), r.failed.Load()
}

// Wrap returns a factory whose sessions are those of f, recorded.
func (r *Recorder) Wrap(f session.Factory) session.Factory {
	return func(ctx *session.Context) session.Session {
		inner := f(ctx)
		if inner == nil {
			return nil
		}
		return &recordingSession{Session: inner, rec: r, ctx: ctx}
	}
}

func (r *Recorder) record(e Event) {
	select {
	case r.events <- e:
	default:
		r.dropped.Add(1)
	}
}

// Run publishes queued events until ctx is cancelled, then publishes what is
// still queued and returns.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	batch := make([]Event, 0, r.batch)
	for {
		select {
		case e := <-r.events:
			batch = append(batch, e)
			if len(batch) >= r.batch {
				batch = r.flush(ctx, batch)
			}
		case <-ticker.C:
			batch = r.flush(ctx, batch)
		case <-ctx.Done():
			r.drain(batch)
			return nil
		}
	}
}

func (r *Recorder) drain(batch []Event) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	for {
		select {
		case e := <-r.events:
			batch = append(batch, e)
			if len(batch) >= r.batch {
				batch = r.flush(ctx, batch)
			}
		default:
			r.flush(ctx, batch)
			return
		}
	}
}

func (r *Recorder) flush(ctx context.Context, batch []Event) []Event {
	if len(batch) == 0 {
		return batch
	}
	if err := r.pub.Publish(ctx, batch); err != nil {
		r.failed.Add(uint64(len(batch)))
		r.logger.Warn("failed to publish session events",
			slog.Int("events", len(batch)),
			slog.String("error", err.Error()))
	} else {
		r.published.Add(uint64(len(batch)))
	}
	return batch[:0]
}

type recordingSession struct {
	session.Session
	rec *Recorder
	ctx *session.Context
}

func (s *recordingSession) event(kind Kind) Event {
	e := Event{
		Session: s.ctx.ID,
		Kind:    kind,
		Time:    time.Now(),
	}
	if s.ctx.ClientAddr != nil {
		e.Client = s.ctx.ClientAddr.String()
	}
	if s.ctx.UpstreamAddr != nil {
		e.Upstream = s.ctx.UpstreamAddr.String()
	}
	return e
}

func (s *recordingSession) OnEstablished(ctx *session.Context) error {
	s.rec.record(s.event(KindEstablished))
	return s.Session.OnEstablished(ctx)
}

func (s *recordingSession) Serverbound(data []byte) (session.Verdict, error) {
	v, err := s.Session.Serverbound(data)
	s.chunk(session.Serverbound, len(data), v, err)
	return v, err
}

func (s *recordingSession) Clientbound(data []byte) (session.Verdict, error) {
	v, err := s.Session.Clientbound(data)
	s.chunk(session.Clientbound, len(data), v, err)
	return v, err
}

func (s *recordingSession) chunk(dir session.Direction, size int, v session.Verdict, err error) {
	e := s.event(KindChunk)
	e.Direction = dir.String()
	e.Size = size
	e.Action = v.Action.String()
	if err != nil {
		e.Action = session.ActionDrop.String()
		e.Cause = err.Error()
	}
	s.rec.record(e)
}

func (s *recordingSession) OnClosed(side session.Side, cause error) {
	e := s.event(KindClosed)
	e.Side = side.String()
	if cause != nil {
		e.Cause = cause.Error()
	}
	s.rec.record(e)
	s.Session.OnClosed(side, cause)
}
