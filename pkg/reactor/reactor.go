// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package reactor

import (
	"context"
	"log/slog"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/ku/pkg/errors"
	"golang.org/x/sys/unix"
)

// Reactor multiplexes listening sockets, pending upstream connects and
// established relays on a single dedicated worker.
type Reactor struct {
	config   Config
	logger   *slog.Logger
	upstream endpointAddr
	addrs    []net.Addr

	// Worker-owned state.
	reg         *registry
	buf         []byte
	fds         []unix.PollFd
	targets     []target
	terminating []string

	// Cross-goroutine controls.
	alive       atomic.Bool
	paused      atomic.Bool
	started     atomic.Bool
	workerTID   atomic.Int64
	sessions    atomic.Int64
	pending     atomic.Int64
	terminateCh chan string
	done        chan struct{}
	stopOnce    sync.Once

	// stopClosed is written by the worker before done is closed.
	stopClosed int
}

// Stats is a point-in-time view of the reactor, safe to read from any goroutine.
type Stats struct {
	Sessions  int
	Pending   int
	Listeners int
	Alive     bool
	Paused    bool
}

// New resolves every configured address and binds all listeners. Address
// families are classified once here and cached for the reactor's lifetime.
func New(cfg Config) (*Reactor, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.setDefaults()

	upstream, err := resolveAddress(cfg.Upstream, cfg.UpstreamForceIPv6)
	if err != nil {
		return nil, errors.Wrap(err, "upstream")
	}

	r := &Reactor{
		config:      cfg,
		logger:      cfg.Logger,
		upstream:    upstream,
		reg:         newRegistry(),
		buf:         make([]byte, cfg.ReadBufferSize),
		terminateCh: make(chan string, 64),
		done:        make(chan struct{}),
	}

	for _, a := range cfg.Listen {
		addr, err := resolveAddress(a, false)
		if err != nil {
			r.closeListeners()
			return nil, errors.Wrap(err, "listen")
		}
		fd, err := listenSocket(addr, cfg.Backlog)
		if err != nil {
			r.closeListeners()
			return nil, errors.Wrap(err, "listen on "+a.String())
		}
		l := &listener{fd: fd, addr: localAddr(fd)}
		if l.addr == nil {
			l.addr = addr.tcp
		}
		r.reg.addListener(l)
		r.addrs = append(r.addrs, l.addr)
		r.logger.Info("listener bound",
			slog.String("address", l.addr.String()),
			slog.String("family", addr.family.String()))
	}

	r.alive.Store(true)
	return r, nil
}

// Addrs returns the bound listener addresses, useful when listening on port 0.
func (r *Reactor) Addrs() []net.Addr {
	return r.addrs
}

// Start spawns the worker. It returns immediately.
func (r *Reactor) Start() error {
	if !r.alive.Load() {
		return errors.ErrStopped
	}
	if !r.started.CompareAndSwap(false, true) {
		return errors.ErrAlreadyStarted
	}
	go r.run()
	r.logger.Info("reactor started",
		slog.String("upstream", r.upstream.tcp.String()),
		slog.Int("listeners", len(r.addrs)),
		slog.Int("max_connections", r.config.MaxConnections))
	return nil
}

// Serve starts the reactor and blocks until ctx is cancelled, then shuts it
// down.
func (r *Reactor) Serve(ctx context.Context) error {
	if err := r.Start(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-r.done:
	}
	return r.Shutdown()
}

// Pause suspends event handling. The worker keeps running so Shutdown still
// works; pending accepts and data wait in OS buffers.
func (r *Reactor) Pause() {
	r.paused.Store(true)
}

// Resume undoes Pause.
func (r *Reactor) Resume() {
	r.paused.Store(false)
}

// Stats returns a snapshot of the reactor's counters.
func (r *Reactor) Stats() Stats {
	return Stats{
		Sessions:  int(r.sessions.Load()),
		Pending:   int(r.pending.Load()),
		Listeners: len(r.addrs),
		Alive:     r.alive.Load(),
		Paused:    r.paused.Load(),
	}
}

// onWorker reports whether the caller is running on the worker. The worker
// is locked to its OS thread, so a matching thread ID identifies it.
func (r *Reactor) onWorker() bool {
	tid := r.workerTID.Load()
	return tid != 0 && int64(unix.Gettid()) == tid
}

func (r *Reactor) run() {
	defer close(r.done)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	r.workerTID.Store(int64(unix.Gettid()))
	defer r.workerTID.Store(0)

	for r.alive.Load() {
		if r.paused.Load() {
			r.drainTerminations()
			r.publishStats()
			time.Sleep(r.config.PollTimeout)
			continue
		}
		r.tick()
	}
	r.stopClosed = r.closeSessions()
}

// tick runs one loop iteration. Upstream completions are handled before
// accepts, and accepts before data relay.
func (r *Reactor) tick() {
	r.drainTerminations()
	defer r.publishStats()

	r.fds, r.targets = r.reg.pollSet(r.fds[:0], r.targets[:0])

	start := time.Now()
	n, err := unix.Poll(r.fds, int(r.config.PollTimeout/time.Millisecond))
	r.config.Metrics.ObservePoll(time.Since(start))
	if err != nil {
		if !errors.Is(err, unix.EINTR) {
			r.logger.Error("poll failed", slog.String("error", err.Error()))
			time.Sleep(r.config.PollTimeout)
		}
		return
	}
	if n == 0 {
		if r.config.IdleSleep > 0 {
			time.Sleep(r.config.IdleSleep)
		}
		return
	}

	for i, t := range r.targets {
		if t.kind == targetPending && r.fds[i].Revents != 0 {
			r.completeUpstream(t.endpoint.conn, r.fds[i].Revents)
		}
	}
	for i, t := range r.targets {
		if t.kind == targetListener && r.fds[i].Revents&unix.POLLIN != 0 {
			r.accept(t.listener)
		}
	}
	for i, t := range r.targets {
		if t.kind == targetEndpoint && r.fds[i].Revents != 0 {
			r.service(t.endpoint, r.fds[i].Revents)
		}
	}
}

func (r *Reactor) publishStats() {
	r.sessions.Store(int64(r.reg.live()))
	r.pending.Store(int64(len(r.reg.pending)))
}

func (r *Reactor) closeListeners() {
	for _, l := range r.reg.listeners {
		closeFD(l.fd)
	}
	r.reg.listeners = nil
}
