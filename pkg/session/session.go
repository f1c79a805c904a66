// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

// Session is the per-connection hook contract invoked by the reactor.
//
// Errors returned from hooks, and panics raised inside them, are logged by
// the reactor and treated as "no action": the chunk being inspected is
// dropped and the connection stays open.
type Session interface {
	// OnEstablished is called once when the upstream connect completes and
	// the session becomes CONNECTED. ctx carries both endpoint addresses.
	OnEstablished(ctx *Context) error

	// Clientbound inspects a chunk read from the upstream before it is
	// written to the client.
	Clientbound(data []byte) (Verdict, error)

	// Serverbound inspects a chunk read from the client before it is
	// written to the upstream.
	Serverbound(data []byte) (Verdict, error)

	// OnClosed is called exactly once when the session is torn down. side
	// names the side that caused the teardown. A peer EOF arrives as an
	// error wrapping errors.ErrConnectionClosed from pkg/errors. cause is
	// nil for internal termination, for shutdown and for a client that hangs
	// up while the upstream connect is in flight.
	OnClosed(side Side, cause error)
}

// Factory creates a Session for a newly accepted client connection. It is
// called on the reactor worker before the upstream connect is issued.
type Factory func(ctx *Context) Session

// NoopSession relays everything unchanged. Embed it to override only the
// hooks a session cares about.
type NoopSession struct{}

var _ Session = (*NoopSession)(nil)

func (NoopSession) OnEstablished(ctx *Context) error {
	return nil
}

func (NoopSession) Clientbound(data []byte) (Verdict, error) {
	return Pass(), nil
}

func (NoopSession) Serverbound(data []byte) (Verdict, error) {
	return Pass(), nil
}

func (NoopSession) OnClosed(side Side, cause error) {}

// NoopFactory returns a Factory producing NoopSession values.
func NoopFactory() Factory {
	return func(*Context) Session { return NoopSession{} }
}
