// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package reactor implements a single-threaded transparent TCP intercepting
// proxy.
//
// # Overview
//
// A Reactor binds one or more listen addresses and forwards every accepted
// client to a single upstream address. Each connection gets a Session whose
// hooks see every chunk in both directions and decide whether it is
// forwarded unchanged, replaced, or dropped.
//
// # Architecture
//
//	┌─────────┐         ┌─────────┐         ┌──────────┐
//	│ Client  │ ←─TCP─→ │ Reactor │ ←─TCP─→ │ Upstream │
//	└─────────┘         └─────────┘         └──────────┘
//	                         ↓
//	                    ┌─────────┐
//	                    │ Session │
//	                    └─────────┘
//
// All sockets are non-blocking and multiplexed by one worker goroutine,
// locked to its OS thread, that waits on poll(2). Hooks run on that worker.
//
// # Connection Flow
//
//  1. A listener becomes readable and the worker accepts one client
//  2. Admission: connection limit, per-host rate limit, circuit breaker
//  3. The Factory creates a Session in CONNECTING
//  4. A non-blocking connect to the upstream is issued
//  5. The upstream becomes writable; SO_ERROR decides success
//  6. The Session moves to CONNECTED and OnEstablished runs
//  7. Chunks are relayed through Serverbound and Clientbound
//  8. Either side closing, an I/O error, or Terminate tears the session
//     down and OnClosed runs exactly once
//
// Every tick handles upstream completions first, then accepts, then relay.
//
// # Back-pressure
//
// Writes that the kernel only partly accepts are queued on the destination
// endpoint. While bytes are queued the destination is polled for POLLOUT and
// its source stops being polled for POLLIN, so no more than one read buffer
// is held per direction.
//
// # Shutdown
//
// Shutdown may be called from any goroutine except the worker. It stops the
// loop, closes every session with side Internal and releases the listeners.
package reactor
