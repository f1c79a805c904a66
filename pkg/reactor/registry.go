// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package reactor

import (
	"net"

	"github.com/absmach/ku/pkg/breaker"
	"github.com/absmach/ku/pkg/session"
	"golang.org/x/sys/unix"
)

// endpoint is one socket of a session. Data read from it travels in dir;
// out holds bytes waiting to be written to it.
type endpoint struct {
	fd   int
	side session.Side
	dir  session.Direction
	conn *conn
	peer *endpoint
	out  []byte
}

// conn pairs a Session with its two sockets. It exclusively owns both.
type conn struct {
	ctx      *session.Context
	sess     session.Session
	client   *endpoint
	upstream *endpoint
	closed   bool
	// trial is set while the upstream connect holds a breaker ticket.
	trial  bool
	ticket breaker.Ticket
}

func newConn(clientFD int) *conn {
	c := &conn{}
	c.client = &endpoint{fd: clientFD, side: session.Client, dir: session.Serverbound, conn: c}
	c.upstream = &endpoint{fd: -1, side: session.Upstream, dir: session.Clientbound, conn: c}
	c.client.peer = c.upstream
	c.upstream.peer = c.client
	return c
}

type listener struct {
	fd   int
	addr net.Addr
}

type targetKind int

const (
	targetListener targetKind = iota
	targetPending
	targetEndpoint
)

// target is what a pollfd entry refers to. It holds pointers rather than
// descriptors so a descriptor closed and reused within one tick can never be
// mistaken for its previous owner.
type target struct {
	kind     targetKind
	listener *listener
	endpoint *endpoint
}

// registry tracks every descriptor the worker multiplexes. It is only ever
// touched from the worker.
type registry struct {
	listeners []*listener

	// readable is keyed by descriptor: the client socket of every CONNECTING
	// session and both sockets of every CONNECTED session.
	readable map[int]*endpoint

	// pending is keyed by upstream descriptor: connects not yet resolved.
	pending map[int]*conn

	sessions map[string]*conn
}

func newRegistry() *registry {
	return &registry{
		readable: make(map[int]*endpoint),
		pending:  make(map[int]*conn),
		sessions: make(map[string]*conn),
	}
}

func (r *registry) addListener(l *listener) {
	r.listeners = append(r.listeners, l)
}

// addConnecting registers a session whose upstream connect is in flight.
func (r *registry) addConnecting(c *conn) {
	r.readable[c.client.fd] = c.client
	r.pending[c.upstream.fd] = c
	r.sessions[c.ctx.ID] = c
}

// establish moves a session's upstream socket from pending to readable.
func (r *registry) establish(c *conn) {
	if r.pending[c.upstream.fd] == c {
		delete(r.pending, c.upstream.fd)
	}
	r.readable[c.upstream.fd] = c.upstream
}

// remove drops every reference to c. Entries that now belong to another
// session are left alone.
func (r *registry) remove(c *conn) {
	for _, e := range []*endpoint{c.client, c.upstream} {
		if r.readable[e.fd] == e {
			delete(r.readable, e.fd)
		}
	}
	if r.pending[c.upstream.fd] == c {
		delete(r.pending, c.upstream.fd)
	}
	if r.sessions[c.ctx.ID] == c {
		delete(r.sessions, c.ctx.ID)
	}
}

func (r *registry) lookup(fd int) (*endpoint, bool) {
	e, ok := r.readable[fd]
	return e, ok
}

func (r *registry) session(id string) (*conn, bool) {
	c, ok := r.sessions[id]
	return c, ok
}

func (r *registry) live() int {
	return len(r.sessions)
}

// pollSet appends one pollfd per tracked descriptor to fds and the matching
// target to targets.
//
// Listeners wait for POLLIN, pending upstreams for POLLOUT. The client of a
// CONNECTING session waits for POLLRDHUP only, so hang-ups are seen without
// consuming data. A CONNECTED endpoint waits for POLLIN unless its peer still
// has queued output, and for POLLOUT while it has queued output itself.
// POLLERR and POLLHUP are always reported.
func (r *registry) pollSet(fds []unix.PollFd, targets []target) ([]unix.PollFd, []target) {
	for _, l := range r.listeners {
		fds = append(fds, unix.PollFd{Fd: int32(l.fd), Events: unix.POLLIN})
		targets = append(targets, target{kind: targetListener, listener: l})
	}
	for fd, c := range r.pending {
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLOUT})
		targets = append(targets, target{kind: targetPending, endpoint: c.upstream})
	}
	for fd, e := range r.readable {
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: e.events()})
		targets = append(targets, target{kind: targetEndpoint, endpoint: e})
	}
	return fds, targets
}

func (e *endpoint) events() int16 {
	if e.conn.ctx.State() != session.Connected {
		return unix.POLLRDHUP
	}
	var ev int16
	if len(e.peer.out) == 0 {
		ev |= unix.POLLIN
	}
	if len(e.out) > 0 {
		ev |= unix.POLLOUT
	}
	return ev
}
