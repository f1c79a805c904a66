// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import "context"

// Client holds the connection metadata and credentials seen on one MQTT
// session. It is passed to Handler methods.
type Client struct {
	// SessionID is the reactor session identifier.
	SessionID string

	// RemoteAddr is the client's network address.
	RemoteAddr string

	// ClientID, Username and Password come from the CONNECT packet.
	ClientID string
	Username string
	Password []byte
}

// Handler defines authorization and notification callbacks for MQTT events.
//
// Authorization methods are called before a packet is forwarded. They can
// reject it by returning an error, or rewrite it through the pointers they
// receive. A rejected packet is dropped and the session is terminated.
//
// Notification methods are called after a packet has been authorized.
// Their errors are logged and otherwise ignored.
type Handler interface {
	// AuthConnect authorizes a CONNECT. Credentials in c may be replaced.
	AuthConnect(ctx context.Context, c *Client) error

	// AuthPublish authorizes a client PUBLISH. topic and payload may be
	// rewritten.
	AuthPublish(ctx context.Context, c *Client, topic *string, payload *[]byte) error

	// AuthSubscribe authorizes a SUBSCRIBE, and each PUBLISH the broker
	// delivers to the client. topics may be filtered or rewritten.
	AuthSubscribe(ctx context.Context, c *Client, topics *[]string) error

	// OnConnect is called after a CONNECT is authorized.
	OnConnect(ctx context.Context, c *Client) error

	// OnPublish is called after a PUBLISH is authorized.
	OnPublish(ctx context.Context, c *Client, topic string, payload []byte) error

	// OnSubscribe is called after a SUBSCRIBE is authorized.
	OnSubscribe(ctx context.Context, c *Client, topics []string) error

	// OnUnsubscribe is called for each UNSUBSCRIBE.
	OnUnsubscribe(ctx context.Context, c *Client, topics []string) error

	// OnDisconnect is called once when a connected client goes away,
	// gracefully or not.
	OnDisconnect(ctx context.Context, c *Client) error
}

// NoopHandler allows every operation.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (NoopHandler) AuthConnect(ctx context.Context, c *Client) error {
	return nil
}

func (NoopHandler) AuthPublish(ctx context.Context, c *Client, topic *string, payload *[]byte) error {
	return nil
}

func (NoopHandler) AuthSubscribe(ctx context.Context, c *Client, topics *[]string) error {
	return nil
}

func (NoopHandler) OnConnect(ctx context.Context, c *Client) error {
	return nil
}

func (NoopHandler) OnPublish(ctx context.Context, c *Client, topic string, payload []byte) error {
	return nil
}

func (NoopHandler) OnSubscribe(ctx context.Context, c *Client, topics []string) error {
	return nil
}

func (NoopHandler) OnUnsubscribe(ctx context.Context, c *Client, topics []string) error {
	return nil
}

func (NoopHandler) OnDisconnect(ctx context.Context, c *Client) error {
	return nil
}
