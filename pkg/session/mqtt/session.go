// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/absmach/ku/pkg/session"
	"github.com/eclipse/paho.mqtt.golang/packets"
)

// ErrUnauthorized is returned when authorization fails.
var ErrUnauthorized = errors.New("unauthorized")

// Config configures MQTT sessions.
type Config struct {
	// Handler authorizes and observes packets. Defaults to NoopHandler.
	Handler Handler

	// MaxPacketSize bounds one buffered packet. Defaults to DefaultMaxPacketSize.
	MaxPacketSize int

	// Logger for session events.
	Logger *slog.Logger
}

// Session is a session.Session that speaks MQTT 3.1.1. It reassembles
// control packets in each direction, passes them through the Handler and
// forwards the re-encoded result. Incomplete packets are held back until
// the rest arrives.
type Session struct {
	ctx     context.Context
	handler Handler
	logger  *slog.Logger
	sctx    *session.Context
	client  Client

	serverbound assembler
	clientbound assembler
	connected   bool
}

var _ session.Session = (*Session)(nil)

// NewFactory returns a factory creating one Session per connection. ctx is
// passed to every Handler call.
func NewFactory(ctx context.Context, cfg Config) session.Factory {
	if cfg.Handler == nil {
		cfg.Handler = NoopHandler{}
	}
	if cfg.MaxPacketSize <= 0 {
		cfg.MaxPacketSize = DefaultMaxPacketSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return func(sctx *session.Context) session.Session {
		s := &Session{
			ctx:         ctx,
			handler:     cfg.Handler,
			logger:      cfg.Logger,
			sctx:        sctx,
			serverbound: assembler{max: cfg.MaxPacketSize},
			clientbound: assembler{max: cfg.MaxPacketSize},
		}
		s.client.SessionID = sctx.ID
		if sctx.ClientAddr != nil {
			s.client.RemoteAddr = sctx.ClientAddr.String()
		}
		return s
	}
}

// Client returns the metadata collected so far.
func (s *Session) Client() Client {
	return s.client
}

func (s *Session) OnEstablished(ctx *session.Context) error {
	s.logger.Debug("mqtt session established",
		slog.String("session", ctx.ID),
		slog.String("remote", s.client.RemoteAddr))
	return nil
}

func (s *Session) Serverbound(data []byte) (session.Verdict, error) {
	return s.process(&s.serverbound, data, s.handleServerbound)
}

func (s *Session) Clientbound(data []byte) (session.Verdict, error) {
	return s.process(&s.clientbound, data, s.handleClientbound)
}

func (s *Session) OnClosed(side session.Side, cause error) {
	if !s.connected {
		return
	}
	s.connected = false
	if err := s.handler.OnDisconnect(s.ctx, &s.client); err != nil {
		s.logger.Warn("mqtt disconnect hook failed",
			slog.String("session", s.client.SessionID),
			slog.String("error", err.Error()))
	}
}

// process feeds data to a, handles every complete packet and returns the
// re-encoded bytes to forward. On a framing, decoding or authorization error
// nothing is forwarded and the session is terminated.
func (s *Session) process(a *assembler, data []byte, handle func(packets.ControlPacket) error) (session.Verdict, error) {
	frames, err := a.push(data)
	if err != nil {
		s.sctx.Terminate()
		return session.Drop(), err
	}
	if len(frames) == 0 {
		return session.Drop(), nil
	}

	var out bytes.Buffer
	for _, frame := range frames {
		pkt, err := packets.ReadPacket(bytes.NewReader(frame))
		if err != nil {
			s.sctx.Terminate()
			return session.Drop(), fmt.Errorf("failed to decode packet: %w", err)
		}
		if err := handle(pkt); err != nil {
			s.sctx.Terminate()
			return session.Drop(), err
		}
		if err := pkt.Write(&out); err != nil {
			s.sctx.Terminate()
			return session.Drop(), fmt.Errorf("failed to write packet: %w", err)
		}
	}
	return session.Forward(out.Bytes()), nil
}

// handleServerbound processes client to broker packets.
func (s *Session) handleServerbound(pkt packets.ControlPacket) error {
	switch packet := pkt.(type) {
	case *packets.ConnectPacket:
		return s.handleConnect(packet)
	case *packets.PublishPacket:
		return s.handlePublish(packet)
	case *packets.SubscribePacket:
		return s.handleSubscribe(packet)
	case *packets.UnsubscribePacket:
		s.notify("unsubscribe", s.handler.OnUnsubscribe(s.ctx, &s.client, append([]string(nil), packet.Topics...)))
		return nil
	case *packets.DisconnectPacket:
		if s.connected {
			s.connected = false
			s.notify("disconnect", s.handler.OnDisconnect(s.ctx, &s.client))
		}
		return nil
	default:
		return nil
	}
}

// handleClientbound processes broker to client packets. A PUBLISH delivered
// by the broker is authorized as a subscription to its topic.
func (s *Session) handleClientbound(pkt packets.ControlPacket) error {
	packet, ok := pkt.(*packets.PublishPacket)
	if !ok {
		return nil
	}
	topics := []string{packet.TopicName}
	if err := s.handler.AuthSubscribe(s.ctx, &s.client, &topics); err != nil {
		return fmt.Errorf("%w: delivery on %q: %v", ErrUnauthorized, packet.TopicName, err)
	}
	if len(topics) > 0 {
		packet.TopicName = topics[0]
	}
	return nil
}

func (s *Session) handleConnect(packet *packets.ConnectPacket) error {
	s.client.ClientID = packet.ClientIdentifier
	s.client.Username = packet.Username
	s.client.Password = packet.Password

	if err := s.handler.AuthConnect(s.ctx, &s.client); err != nil {
		return fmt.Errorf("%w: connect: %v", ErrUnauthorized, err)
	}

	packet.ClientIdentifier = s.client.ClientID
	packet.Username = s.client.Username
	packet.Password = s.client.Password
	packet.UsernameFlag = s.client.Username != ""
	packet.PasswordFlag = len(s.client.Password) > 0

	s.connected = true
	s.notify("connect", s.handler.OnConnect(s.ctx, &s.client))
	return nil
}

func (s *Session) handlePublish(packet *packets.PublishPacket) error {
	topic := packet.TopicName
	payload := packet.Payload

	if err := s.handler.AuthPublish(s.ctx, &s.client, &topic, &payload); err != nil {
		return fmt.Errorf("%w: publish on %q: %v", ErrUnauthorized, packet.TopicName, err)
	}

	packet.TopicName = topic
	packet.Payload = payload

	s.notify("publish", s.handler.OnPublish(s.ctx, &s.client, topic, payload))
	return nil
}

func (s *Session) handleSubscribe(packet *packets.SubscribePacket) error {
	topics := append([]string(nil), packet.Topics...)

	if err := s.handler.AuthSubscribe(s.ctx, &s.client, &topics); err != nil {
		return fmt.Errorf("%w: subscribe: %v", ErrUnauthorized, err)
	}

	// Keep one QoS per topic when the handler filtered or added topics.
	switch {
	case len(packet.Qoss) < len(topics):
		for i := len(packet.Qoss); i < len(topics); i++ {
			packet.Qoss = append(packet.Qoss, 0)
		}
	case len(packet.Qoss) > len(topics):
		packet.Qoss = packet.Qoss[:len(topics)]
	}
	packet.Topics = topics

	s.notify("subscribe", s.handler.OnSubscribe(s.ctx, &s.client, append([]string(nil), topics...)))
	return nil
}

func (s *Session) notify(event string, err error) {
	if err == nil {
		return
	}
	s.logger.Warn("mqtt notification hook failed",
		slog.String("session", s.client.SessionID),
		slog.String("event", event),
		slog.String("error", err.Error()))
}
