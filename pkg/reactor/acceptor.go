// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package reactor

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/absmach/ku/pkg/breaker"
	"github.com/absmach/ku/pkg/errors"
	"github.com/absmach/ku/pkg/metrics"
	"github.com/absmach/ku/pkg/session"
)

// accept takes one connection off l. A connection that is over the limit
// is accepted and closed at once so the backlog drains; otherwise a
// Session is created in CONNECTING and its upstream connect is issued.
func (r *Reactor) accept(l *listener) {
	fd, client, err := acceptSocket(l.fd)
	if err != nil {
		if temporary(err) {
			r.logger.Debug("accept interrupted", slog.String("error", err.Error()))
			return
		}
		r.logger.Warn("accept failed",
			slog.String("listener", l.addr.String()),
			slog.String("error", err.Error()))
		return
	}

	ticket, err := r.admit(client)
	if err != nil {
		closeFD(fd)
		r.config.Metrics.Rejected(rejectReason(err))
		r.logger.Debug("connection refused",
			slog.String("client", addrString(client)),
			slog.String("error", err.Error()))
		return
	}

	if !r.config.DisableNoDelay {
		setNoDelay(fd)
	}

	c := newConn(fd)
	c.ticket = ticket
	c.trial = r.config.Breaker != nil
	var ctx *session.Context
	ctx = session.NewContext(client, l.addr, r.upstream.tcp, func() { r.Terminate(ctx.ID) })
	c.ctx = ctx
	id := ctx.ID

	sess, err := r.newSession(c.ctx)
	if err != nil {
		closeFD(fd)
		r.abortUpstream(c)
		r.config.Metrics.Rejected(metrics.RejectFactory)
		r.logger.Error("session factory failed",
			slog.String("client", addrString(client)),
			slog.String("error", err.Error()))
		return
	}
	c.sess = sess

	upFD, err := connectSocket(r.upstream)
	if err != nil {
		// The session exists, so it is closed through the normal path and
		// still observes OnClosed.
		r.config.Metrics.Accepted(l.addr.String())
		r.config.Metrics.UpstreamFailed()
		r.recordUpstream(c, err)
		r.teardown(c, session.Upstream, errors.New("connect", session.Upstream.String(), id, err))
		return
	}
	c.upstream.fd = upFD
	if !r.config.DisableNoDelay {
		setNoDelay(upFD)
	}

	r.reg.addConnecting(c)
	r.config.Metrics.Accepted(l.addr.String())
	r.logger.Debug("session connecting",
		slog.String("session", id),
		slog.String("client", addrString(client)),
		slog.String("listener", l.addr.String()))
}

// admit decides whether a new client may open a session. An admitted client
// gets the breaker ticket of its upstream connect.
func (r *Reactor) admit(client net.Addr) (breaker.Ticket, error) {
	if r.config.MaxConnections >= 0 && r.reg.live() >= r.config.MaxConnections {
		return breaker.Ticket{}, errors.ErrConnectionLimit
	}
	if r.config.Limiter != nil && !r.config.Limiter.AllowAddr(client) {
		return breaker.Ticket{}, errors.ErrRateLimited
	}
	if r.config.Breaker == nil {
		return breaker.Ticket{}, nil
	}
	ticket, err := r.config.Breaker.Allow()
	if err != nil {
		return breaker.Ticket{}, fmt.Errorf("%w: %w", errors.ErrUpstreamUnavailable, err)
	}
	return ticket, nil
}

// rejectReason maps an admission error to its metrics label.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, errors.ErrConnectionLimit):
		return metrics.RejectLimit
	case errors.Is(err, errors.ErrRateLimited):
		return metrics.RejectRateLimit
	case errors.Is(err, errors.ErrUpstreamUnavailable):
		return metrics.RejectBreaker
	default:
		return metrics.RejectFactory
	}
}

// newSession calls the factory, turning a panic or nil result into an error.
func (r *Reactor) newSession(ctx *session.Context) (sess session.Session, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: factory: %v", errors.ErrHookPanic, p)
		}
	}()
	sess = r.config.Factory(ctx)
	if sess == nil {
		return nil, fmt.Errorf("factory returned nil session")
	}
	return sess, nil
}

// completeUpstream resolves a pending connect reported by poll.
func (r *Reactor) completeUpstream(c *conn, revents int16) {
	if c.closed {
		return
	}

	err := connectResult(c.upstream.fd)
	if err == nil && revents&pollFailure != 0 {
		err = errors.ErrConnectionClosed
	}
	if err != nil {
		r.config.Metrics.UpstreamFailed()
		r.recordUpstream(c, err)
		r.teardown(c, session.Upstream, errors.New("connect", session.Upstream.String(), c.ctx.ID, err))
		return
	}

	r.reg.establish(c)
	c.ctx.SetState(session.Connected)
	r.config.Metrics.Established()
	r.recordUpstream(c, nil)

	r.logger.Debug("session established",
		slog.String("session", c.ctx.ID),
		slog.String("client", addrString(c.ctx.ClientAddr)),
		slog.String("upstream", r.upstream.tcp.String()))

	r.callHook(c, "on_established", func() error { return c.sess.OnEstablished(c.ctx) })
}

func (r *Reactor) recordUpstream(c *conn, err error) {
	if c.trial {
		c.trial = false
		r.config.Breaker.Record(c.ticket, err)
	}
}

// abortUpstream hands back the breaker attempt of a connect that never
// resolved.
func (r *Reactor) abortUpstream(c *conn) {
	if c.trial {
		c.trial = false
		r.config.Breaker.Abort(c.ticket)
	}
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
