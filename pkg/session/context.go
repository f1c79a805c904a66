// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"net"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a session.
type State int

const (
	// Disconnected is both the state before accept and the terminal state.
	Disconnected State = iota

	// Connecting means the client is accepted and the upstream connect is in flight.
	Connecting

	// Connected means both sides are relaying.
	Connected
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Side identifies who caused a teardown.
type Side int

const (
	// Client is the accepted connection.
	Client Side = iota

	// Upstream is the outbound connection.
	Upstream

	// Internal is a forced termination or reactor shutdown.
	Internal
)

// String returns a string representation of the side.
func (s Side) String() string {
	switch s {
	case Client:
		return "client"
	case Upstream:
		return "upstream"
	case Internal:
		return "internal"
	default:
		return "unknown"
	}
}

// Direction indicates the direction of data flow.
type Direction int

const (
	// Serverbound is data flowing from the client to the upstream.
	Serverbound Direction = iota

	// Clientbound is data flowing from the upstream to the client.
	Clientbound
)

// String returns a string representation of the direction.
func (d Direction) String() string {
	switch d {
	case Serverbound:
		return "serverbound"
	case Clientbound:
		return "clientbound"
	default:
		return "unknown"
	}
}

// Context carries connection metadata for one session. The reactor owns it;
// sessions may read it from hooks.
type Context struct {
	// ID is a unique identifier for this session.
	ID string

	// ClientAddr is the accepted client's remote address.
	ClientAddr net.Addr

	// ListenAddr is the local address the client connected to.
	ListenAddr net.Addr

	// UpstreamAddr is the configured upstream address.
	UpstreamAddr net.Addr

	// EstablishedAt is set when the session becomes Connected.
	EstablishedAt time.Time

	state     State
	terminate func()
}

// NewContext creates a Context in the Connecting state. terminate is invoked
// by Terminate and may be nil.
func NewContext(client, listen, upstream net.Addr, terminate func()) *Context {
	return &Context{
		ID:           uuid.New().String(),
		ClientAddr:   client,
		ListenAddr:   listen,
		UpstreamAddr: upstream,
		state:        Connecting,
		terminate:    terminate,
	}
}

// State returns the current lifecycle state.
func (c *Context) State() State {
	return c.state
}

// SetState is used by the reactor to drive the state machine. Moving to
// Connected stamps EstablishedAt.
func (c *Context) SetState(s State) {
	if s == Connected && c.state != Connected {
		c.EstablishedAt = time.Now()
	}
	c.state = s
}

// Terminate requests that the reactor tear down this session on its next
// tick. It is safe to call from hooks, from other goroutines, and more than
// once; requests for a session that is already gone are ignored.
func (c *Context) Terminate() {
	if c.terminate != nil {
		c.terminate()
	}
}
