// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package session defines the contract between the reactor and pluggable,
// protocol-specific session logic.
//
// # Architecture Overview
//
// The reactor owns sockets and readiness; a Session owns the decisions about
// the bytes. Every chunk read from either side is handed to exactly one hook
// before anything is written to the other side:
//
//	Client   → reactor → Serverbound(chunk) → verdict → Upstream
//	Upstream → reactor → Clientbound(chunk) → verdict → Client
//
// # Verdicts
//
// A hook returns one of three verdicts:
//   - Forward(b): write b instead of the chunk
//   - Pass(): write the chunk unchanged
//   - Drop(): write nothing, keep the connection open
//
// # Lifecycle
//
//	DISCONNECTED → CONNECTING → CONNECTED → DISCONNECTED
//	                    └──────────────────────┘ (upstream connect failed)
//
// OnEstablished is called once on CONNECTING → CONNECTED. OnClosed is called
// exactly once on teardown, whichever side caused it.
//
// # Threading
//
// All hooks run synchronously on the reactor worker. They must not block.
// Data slices passed to hooks are only valid for the duration of the call.
//
// # Example
//
//	type upper struct{ session.NoopSession }
//
//	func (upper) Serverbound(data []byte) (session.Verdict, error) {
//		return session.Forward(bytes.ToUpper(data)), nil
//	}
//
//	factory := func(ctx *session.Context) session.Session { return upper{} }
package session
