// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package reactor

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/absmach/ku/pkg/errors"
	"github.com/absmach/ku/pkg/session"
	"golang.org/x/sys/unix"
)

const pollFailure = unix.POLLERR | unix.POLLHUP | unix.POLLNVAL

// service handles readiness on one tracked endpoint.
func (r *Reactor) service(e *endpoint, revents int16) {
	c := e.conn
	if c.closed {
		return
	}

	if c.ctx.State() != session.Connected {
		// Only the client of a CONNECTING session is tracked, for hang-up.
		if revents&(unix.POLLRDHUP|pollFailure) != 0 {
			r.teardown(c, e.side, nil)
		}
		return
	}

	if revents&unix.POLLOUT != 0 && len(e.out) > 0 {
		if err := r.flush(e); err != nil {
			r.teardown(c, e.side, errors.New("write", e.side.String(), c.ctx.ID, err))
			return
		}
	}

	switch {
	case revents&unix.POLLIN != 0:
		r.relay(e)
	case revents&pollFailure != 0:
		err := connectResult(e.fd)
		if err == nil {
			err = errors.ErrConnectionClosed
		}
		r.teardown(c, e.side, errors.New("poll", e.side.String(), c.ctx.ID, err))
	}
}

// relay performs one bounded read on src, runs the direction's hook and
// writes the outcome to the peer.
func (r *Reactor) relay(src *endpoint) {
	c := src.conn
	n, err := unix.Read(src.fd, r.buf)
	if err != nil {
		if temporary(err) {
			return
		}
		r.teardown(c, src.side, errors.New("read", src.side.String(), c.ctx.ID, os.NewSyscallError("read", err)))
		return
	}
	if n == 0 {
		r.teardown(c, src.side, errors.New("read", src.side.String(), c.ctx.ID, errors.ErrConnectionClosed))
		return
	}

	chunk := r.buf[:n]
	verdict := r.inspect(c, src.dir, chunk)

	written := 0
	if out, ok := verdict.Apply(chunk); ok {
		if err := r.send(src.peer, out); err != nil {
			r.teardown(c, src.peer.side, errors.New("write", src.peer.side.String(), c.ctx.ID, err))
			return
		}
		written = len(out)
	}
	r.config.Metrics.Relayed(src.dir.String(), verdict.Action.String(), n, written)
}

// inspect runs the hook for dir. A hook that errors or panics yields Drop.
func (r *Reactor) inspect(c *conn, dir session.Direction, chunk []byte) session.Verdict {
	hook := c.sess.Serverbound
	if dir == session.Clientbound {
		hook = c.sess.Clientbound
	}

	verdict := session.Drop()
	r.callHook(c, dir.String(), func() error {
		v, err := hook(chunk)
		if err != nil {
			return err
		}
		verdict = v
		return nil
	})
	return verdict
}

// callHook runs fn, logging and counting any error or panic it produces.
// Hook failures never tear the session down.
func (r *Reactor) callHook(c *conn, name string, fn func() error) {
	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("%w: %v", errors.ErrHookPanic, p)
			}
		}()
		return fn()
	}()
	if err == nil {
		return
	}
	r.config.Metrics.HookFailed(name)
	r.logger.Warn("session hook failed",
		slog.String("session", c.ctx.ID),
		slog.String("hook", name),
		slog.String("error", err.Error()))
}

// send queues p behind any bytes already waiting for dst, or writes as much
// as the socket takes and queues the rest.
func (r *Reactor) send(dst *endpoint, p []byte) error {
	if len(dst.out) > 0 {
		dst.out = append(dst.out, p...)
		return nil
	}
	n, err := writeSome(dst.fd, p)
	if err != nil {
		return err
	}
	if n < len(p) {
		dst.out = append(dst.out, p[n:]...)
	}
	return nil
}

// flush writes queued bytes for e.
func (r *Reactor) flush(e *endpoint) error {
	n, err := writeSome(e.fd, e.out)
	if err != nil {
		return err
	}
	e.out = e.out[n:]
	if len(e.out) == 0 {
		e.out = nil
	}
	return nil
}
