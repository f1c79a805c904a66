// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mqtt implements an MQTT-aware session for the reactor.
//
// # Overview
//
// The reactor hands sessions raw chunks as they arrive, so one chunk may
// hold several MQTT control packets or only part of one. A Session
// reassembles packets per direction using the fixed header's remaining
// length, decodes each with eclipse/paho.mqtt.golang, passes it through a
// Handler and forwards the re-encoded bytes. Bytes of an incomplete packet
// are held back (the chunk verdict is Drop) until the rest arrives.
//
// # Packet Handling
//
// Serverbound (client → broker):
//   - CONNECT: Extracts client ID and credentials, calls AuthConnect
//   - PUBLISH: Extracts topic/payload, calls AuthPublish
//   - SUBSCRIBE: Extracts topic filters, calls AuthSubscribe
//   - UNSUBSCRIBE: Calls OnUnsubscribe
//   - DISCONNECT: Calls OnDisconnect
//   - Everything else is forwarded unchanged
//
// Clientbound (broker → client):
//   - PUBLISH: Calls AuthSubscribe with the delivery topic
//   - Everything else is forwarded unchanged
//
// # Rejection
//
// When an authorization call fails, or a packet cannot be framed or decoded,
// nothing from the chunk is forwarded and the session asks the reactor to
// terminate it.
//
// # Credential Modification
//
// The handler can replace credentials during AuthConnect:
//
//	func (h *MyHandler) AuthConnect(ctx context.Context, c *mqtt.Client) error {
//		if !h.auth.Verify(c.Username, c.Password) {
//			return errors.New("invalid credentials")
//		}
//		c.Username = "backend-user"
//		c.Password = []byte("backend-pass")
//		return nil
//	}
//
// The CONNECT packet is re-encoded with the new credentials before it is
// forwarded to the broker.
package mqtt
