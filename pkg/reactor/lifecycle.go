// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package reactor

import (
	"log/slog"

	"github.com/absmach/ku/pkg/errors"
	"github.com/absmach/ku/pkg/session"
)

// Terminate closes the session with the given ID on the worker's next tick,
// paused or not. It is safe from any goroutine, including from inside a
// hook, and calling it more than once or for an unknown ID is a no-op.
func (r *Reactor) Terminate(id string) {
	if r.onWorker() {
		r.terminating = append(r.terminating, id)
		return
	}
	if !r.started.Load() {
		return
	}
	select {
	case r.terminateCh <- id:
	case <-r.done:
	}
}

// drainTerminations closes every session scheduled for termination.
func (r *Reactor) drainTerminations() {
drain:
	for {
		select {
		case id := <-r.terminateCh:
			r.terminating = append(r.terminating, id)
		default:
			break drain
		}
	}

	if len(r.terminating) == 0 {
		return
	}
	ids := r.terminating
	r.terminating = nil
	for _, id := range ids {
		if c, ok := r.reg.session(id); ok {
			r.teardown(c, session.Internal, nil)
		}
	}
}

// teardown closes both sockets of c and notifies its Session. The first
// caller wins; later calls for the same session do nothing, so OnClosed runs
// exactly once.
func (r *Reactor) teardown(c *conn, side session.Side, cause error) {
	if c.closed {
		return
	}
	c.closed = true
	wasPending := c.ctx.State() != session.Connected

	r.reg.remove(c)
	r.abortUpstream(c)
	if !wasPending {
		// Best effort: hand over whatever is still queued.
		for _, e := range []*endpoint{c.client, c.upstream} {
			if len(e.out) > 0 {
				_ = r.flush(e)
			}
		}
	}
	closeFD(c.client.fd)
	closeFD(c.upstream.fd)
	c.client.out, c.upstream.out = nil, nil

	established := c.ctx.EstablishedAt
	c.ctx.SetState(session.Disconnected)
	r.config.Metrics.Closed(side.String(), wasPending, established)

	r.callHook(c, "on_closed", func() error {
		c.sess.OnClosed(side, cause)
		return nil
	})

	args := []any{
		slog.String("session", c.ctx.ID),
		slog.String("side", side.String()),
	}
	if cause != nil {
		args = append(args, slog.String("cause", cause.Error()))
	}
	r.logger.Debug("session closed", args...)
}

// closeSessions tears down every remaining session with side Internal. The
// worker runs it as its last step, so hooks still run on the worker.
func (r *Reactor) closeSessions() int {
	closed := 0
	for _, c := range r.reg.sessions {
		r.teardown(c, session.Internal, nil)
		closed++
	}
	r.terminating = nil
	return closed
}

// Shutdown stops the worker, closes every session with side Internal and
// releases the listeners. It blocks until the worker has exited. Calling it
// from inside a hook, including OnClosed during shutdown, returns
// ErrShutdownFromWorker; calling it again after a successful shutdown is a
// no-op.
func (r *Reactor) Shutdown() error {
	if r.onWorker() {
		return errors.ErrShutdownFromWorker
	}

	r.stopOnce.Do(func() {
		r.alive.Store(false)
		if r.started.Load() {
			<-r.done
		} else {
			r.stopClosed = r.closeSessions()
		}

		// The worker has exited; its state is ours now.
		r.closeListeners()
		r.publishStats()

		r.logger.Info("reactor stopped", slog.Int("sessions_closed", r.stopClosed))
	})
	return nil
}
