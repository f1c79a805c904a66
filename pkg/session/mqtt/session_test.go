// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/absmach/ku/pkg/session"
	"github.com/eclipse/paho.mqtt.golang/packets"
)

type mockHandler struct {
	connectErr   error
	publishErr   error
	subscribeErr error

	rewriteConnect   func(c *Client)
	rewritePublish   func(topic *string, payload *[]byte)
	rewriteSubscribe func(topics *[]string)

	connectCalled    bool
	publishCalled    bool
	subscribeCalled  bool
	unsubCalled      bool
	disconnectCalls  int
	onConnectCalled  bool
	onPublishCalled  bool
	lastClient       Client
	lastTopic        string
	lastPayload      []byte
	lastTopics       []string
	lastUnsubscribed []string
}

func (m *mockHandler) AuthConnect(ctx context.Context, c *Client) error {
	m.connectCalled = true
	m.lastClient = *c
	if m.connectErr != nil {
		return m.connectErr
	}
	if m.rewriteConnect != nil {
		m.rewriteConnect(c)
	}
	return nil
}

func (m *mockHandler) AuthPublish(ctx context.Context, c *Client, topic *string, payload *[]byte) error {
	m.publishCalled = true
	m.lastTopic = *topic
	m.lastPayload = *payload
	if m.publishErr != nil {
		return m.publishErr
	}
	if m.rewritePublish != nil {
		m.rewritePublish(topic, payload)
	}
	return nil
}

func (m *mockHandler) AuthSubscribe(ctx context.Context, c *Client, topics *[]string) error {
	m.subscribeCalled = true
	m.lastTopics = *topics
	if m.subscribeErr != nil {
		return m.subscribeErr
	}
	if m.rewriteSubscribe != nil {
		m.rewriteSubscribe(topics)
	}
	return nil
}

func (m *mockHandler) OnConnect(ctx context.Context, c *Client) error {
	m.onConnectCalled = true
	return nil
}

func (m *mockHandler) OnPublish(ctx context.Context, c *Client, topic string, payload []byte) error {
	m.onPublishCalled = true
	return errors.New("notification errors are ignored")
}

func (m *mockHandler) OnSubscribe(ctx context.Context, c *Client, topics []string) error {
	return nil
}

func (m *mockHandler) OnUnsubscribe(ctx context.Context, c *Client, topics []string) error {
	m.unsubCalled = true
	m.lastUnsubscribed = topics
	return nil
}

func (m *mockHandler) OnDisconnect(ctx context.Context, c *Client) error {
	m.disconnectCalls++
	return nil
}

type testSession struct {
	*Session
	terminated int
}

func newTestSession(t *testing.T, h Handler) *testSession {
	t.Helper()
	ts := &testSession{}
	sctx := session.NewContext(nil, nil, nil, func() { ts.terminated++ })
	f := NewFactory(context.Background(), Config{
		Handler: h,
		Logger:  slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})),
	})
	ts.Session = f(sctx).(*Session)
	return ts
}

func encode(t *testing.T, pkt packets.ControlPacket) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := pkt.Write(&buf); err != nil {
		t.Fatalf("Failed to write packet: %v", err)
	}
	return buf.Bytes()
}

func decode(t *testing.T, v session.Verdict) packets.ControlPacket {
	t.Helper()
	if v.Action != session.ActionForward {
		t.Fatalf("verdict = %v, want forward", v.Action)
	}
	pkt, err := packets.ReadPacket(bytes.NewReader(v.Data))
	if err != nil {
		t.Fatalf("Failed to decode forwarded packet: %v", err)
	}
	return pkt
}

func connectPacket() *packets.ConnectPacket {
	pkt := packets.NewControlPacket(packets.Connect).(*packets.ConnectPacket)
	pkt.ClientIdentifier = "test-client"
	pkt.Username = "testuser"
	pkt.Password = []byte("testpass")
	pkt.UsernameFlag = true
	pkt.PasswordFlag = true
	pkt.ProtocolName = "MQTT"
	pkt.ProtocolVersion = 4
	return pkt
}

func publishPacket(topic, payload string) *packets.PublishPacket {
	pkt := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
	pkt.TopicName = topic
	pkt.Payload = []byte(payload)
	return pkt
}

func TestSession_Connect(t *testing.T) {
	mock := &mockHandler{}
	s := newTestSession(t, mock)

	v, err := s.Serverbound(encode(t, connectPacket()))
	if err != nil {
		t.Fatalf("Serverbound() error = %v", err)
	}

	if !mock.connectCalled || !mock.onConnectCalled {
		t.Error("Expected AuthConnect and OnConnect to be called")
	}
	if mock.lastClient.ClientID != "test-client" {
		t.Errorf("Expected ClientID 'test-client', got '%s'", mock.lastClient.ClientID)
	}
	if mock.lastClient.Username != "testuser" {
		t.Errorf("Expected Username 'testuser', got '%s'", mock.lastClient.Username)
	}
	if string(mock.lastClient.Password) != "testpass" {
		t.Errorf("Expected Password 'testpass', got '%s'", mock.lastClient.Password)
	}
	if mock.lastClient.SessionID != s.sctx.ID {
		t.Errorf("Expected SessionID %s, got %s", s.sctx.ID, mock.lastClient.SessionID)
	}

	pkt := decode(t, v).(*packets.ConnectPacket)
	if pkt.ClientIdentifier != "test-client" || pkt.Username != "testuser" {
		t.Errorf("forwarded CONNECT = %s/%s", pkt.ClientIdentifier, pkt.Username)
	}
	if s.terminated != 0 {
		t.Error("session terminated on successful CONNECT")
	}
}

func TestSession_ConnectRewritesCredentials(t *testing.T) {
	mock := &mockHandler{
		rewriteConnect: func(c *Client) {
			c.Username = "backend-user"
			c.Password = []byte("backend-pass")
		},
	}
	s := newTestSession(t, mock)

	v, err := s.Serverbound(encode(t, connectPacket()))
	if err != nil {
		t.Fatalf("Serverbound() error = %v", err)
	}

	pkt := decode(t, v).(*packets.ConnectPacket)
	if pkt.Username != "backend-user" {
		t.Errorf("Expected Username 'backend-user', got '%s'", pkt.Username)
	}
	if string(pkt.Password) != "backend-pass" {
		t.Errorf("Expected Password 'backend-pass', got '%s'", pkt.Password)
	}
	if s.Client().Username != "backend-user" {
		t.Errorf("Client().Username = %s", s.Client().Username)
	}
}

func TestSession_AuthErrorTerminates(t *testing.T) {
	tests := []struct {
		name    string
		handler *mockHandler
		packet  packets.ControlPacket
	}{
		{
			name:    "connect",
			handler: &mockHandler{connectErr: errors.New("auth failed")},
			packet:  connectPacket(),
		},
		{
			name:    "publish",
			handler: &mockHandler{publishErr: errors.New("forbidden topic")},
			packet:  publishPacket("secret/topic", "data"),
		},
		{
			name:    "subscribe",
			handler: &mockHandler{subscribeErr: errors.New("forbidden filter")},
			packet: func() packets.ControlPacket {
				pkt := packets.NewControlPacket(packets.Subscribe).(*packets.SubscribePacket)
				pkt.Topics = []string{"#"}
				pkt.Qoss = []byte{0}
				pkt.MessageID = 1
				return pkt
			}(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSession(t, tt.handler)

			v, err := s.Serverbound(encode(t, tt.packet))
			if !errors.Is(err, ErrUnauthorized) {
				t.Errorf("Serverbound() error = %v, want %v", err, ErrUnauthorized)
			}
			if v.Action != session.ActionDrop {
				t.Errorf("verdict = %v, want drop", v.Action)
			}
			if s.terminated != 1 {
				t.Errorf("terminated %d times, want 1", s.terminated)
			}
		})
	}
}

func TestSession_PublishRewrite(t *testing.T) {
	mock := &mockHandler{
		rewritePublish: func(topic *string, payload *[]byte) {
			*topic = "tenant/" + *topic
			*payload = bytes.ToUpper(*payload)
		},
	}
	s := newTestSession(t, mock)

	v, err := s.Serverbound(encode(t, publishPacket("test/topic", "test payload")))
	if err != nil {
		t.Fatalf("Serverbound() error = %v", err)
	}

	if mock.lastTopic != "test/topic" {
		t.Errorf("Expected topic 'test/topic', got '%s'", mock.lastTopic)
	}
	if string(mock.lastPayload) != "test payload" {
		t.Errorf("Expected payload 'test payload', got '%s'", mock.lastPayload)
	}
	if !mock.onPublishCalled {
		t.Error("Expected OnPublish to be called")
	}

	pkt := decode(t, v).(*packets.PublishPacket)
	if pkt.TopicName != "tenant/test/topic" {
		t.Errorf("forwarded topic = %s", pkt.TopicName)
	}
	if string(pkt.Payload) != "TEST PAYLOAD" {
		t.Errorf("forwarded payload = %s", pkt.Payload)
	}
}

func TestSession_SubscribeFiltersTopics(t *testing.T) {
	mock := &mockHandler{
		rewriteSubscribe: func(topics *[]string) {
			*topics = (*topics)[:1]
		},
	}
	s := newTestSession(t, mock)

	sub := packets.NewControlPacket(packets.Subscribe).(*packets.SubscribePacket)
	sub.Topics = []string{"topic1", "topic2"}
	sub.Qoss = []byte{1, 0}
	sub.MessageID = 7

	v, err := s.Serverbound(encode(t, sub))
	if err != nil {
		t.Fatalf("Serverbound() error = %v", err)
	}

	if len(mock.lastTopics) != 2 {
		t.Errorf("Expected 2 topics, got %d", len(mock.lastTopics))
	}

	pkt := decode(t, v).(*packets.SubscribePacket)
	if len(pkt.Topics) != 1 || pkt.Topics[0] != "topic1" {
		t.Errorf("forwarded topics = %v", pkt.Topics)
	}
	if len(pkt.Qoss) != 1 || pkt.Qoss[0] != 1 {
		t.Errorf("forwarded qos = %v", pkt.Qoss)
	}
	if pkt.MessageID != 7 {
		t.Errorf("forwarded message ID = %d", pkt.MessageID)
	}
}

func TestSession_UnsubscribeAndDisconnect(t *testing.T) {
	mock := &mockHandler{}
	s := newTestSession(t, mock)

	if _, err := s.Serverbound(encode(t, connectPacket())); err != nil {
		t.Fatalf("Serverbound(CONNECT) error = %v", err)
	}

	unsub := packets.NewControlPacket(packets.Unsubscribe).(*packets.UnsubscribePacket)
	unsub.Topics = []string{"topic1"}
	unsub.MessageID = 1
	if _, err := s.Serverbound(encode(t, unsub)); err != nil {
		t.Fatalf("Serverbound(UNSUBSCRIBE) error = %v", err)
	}
	if !mock.unsubCalled || len(mock.lastUnsubscribed) != 1 {
		t.Error("Expected OnUnsubscribe to be called with one topic")
	}

	if _, err := s.Serverbound(encode(t, packets.NewControlPacket(packets.Disconnect))); err != nil {
		t.Fatalf("Serverbound(DISCONNECT) error = %v", err)
	}
	s.OnClosed(session.Client, nil)

	if mock.disconnectCalls != 1 {
		t.Errorf("OnDisconnect called %d times, want 1", mock.disconnectCalls)
	}
}

func TestSession_OnClosed(t *testing.T) {
	tests := []struct {
		name      string
		connect   bool
		wantCalls int
	}{
		{"after connect", true, 1},
		{"without connect", false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockHandler{}
			s := newTestSession(t, mock)
			if tt.connect {
				if _, err := s.Serverbound(encode(t, connectPacket())); err != nil {
					t.Fatalf("Serverbound() error = %v", err)
				}
			}

			s.OnClosed(session.Upstream, errors.New("broker went away"))
			s.OnClosed(session.Upstream, nil)

			if mock.disconnectCalls != tt.wantCalls {
				t.Errorf("OnDisconnect called %d times, want %d", mock.disconnectCalls, tt.wantCalls)
			}
		})
	}
}

func TestSession_PartialPacket(t *testing.T) {
	mock := &mockHandler{}
	s := newTestSession(t, mock)

	raw := encode(t, publishPacket("split/topic", "split across two reads"))
	half := len(raw) / 2

	v, err := s.Serverbound(raw[:half])
	if err != nil {
		t.Fatalf("Serverbound(first half) error = %v", err)
	}
	if v.Action != session.ActionDrop {
		t.Errorf("first half verdict = %v, want drop", v.Action)
	}
	if mock.publishCalled {
		t.Error("AuthPublish called before packet was complete")
	}

	v, err = s.Serverbound(raw[half:])
	if err != nil {
		t.Fatalf("Serverbound(second half) error = %v", err)
	}
	pkt := decode(t, v).(*packets.PublishPacket)
	if pkt.TopicName != "split/topic" {
		t.Errorf("forwarded topic = %s", pkt.TopicName)
	}
}

func TestSession_MultiplePacketsInOneChunk(t *testing.T) {
	mock := &mockHandler{}
	s := newTestSession(t, mock)

	chunk := append(encode(t, connectPacket()), encode(t, publishPacket("a/b", "x"))...)
	chunk = append(chunk, encode(t, packets.NewControlPacket(packets.Pingreq))...)

	v, err := s.Serverbound(chunk)
	if err != nil {
		t.Fatalf("Serverbound() error = %v", err)
	}
	if !bytes.Equal(v.Data, chunk) {
		t.Error("re-encoded packets differ from the originals")
	}
	if !mock.connectCalled || !mock.publishCalled {
		t.Error("Expected AuthConnect and AuthPublish to be called")
	}
}

func TestSession_InvalidPacket(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"malformed length", []byte{0x30, 0xFF, 0xFF, 0xFF, 0xFF, 0x01}},
		{"unsupported type", []byte{0xF0, 0x00}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSession(t, &mockHandler{})

			v, err := s.Serverbound(tt.data)
			if err == nil {
				t.Error("Expected error from Serverbound() with invalid packet")
			}
			if v.Action != session.ActionDrop {
				t.Errorf("verdict = %v, want drop", v.Action)
			}
			if s.terminated != 1 {
				t.Errorf("terminated %d times, want 1", s.terminated)
			}
		})
	}
}

func TestSession_ClientboundPublish(t *testing.T) {
	tests := []struct {
		name      string
		handler   *mockHandler
		wantTopic string
		wantErr   bool
	}{
		{
			name:      "forwarded",
			handler:   &mockHandler{},
			wantTopic: "test/topic",
		},
		{
			name: "rewritten",
			handler: &mockHandler{rewriteSubscribe: func(topics *[]string) {
				(*topics)[0] = "renamed/topic"
			}},
			wantTopic: "renamed/topic",
		},
		{
			name:    "denied",
			handler: &mockHandler{subscribeErr: errors.New("not subscribed")},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSession(t, tt.handler)

			v, err := s.Clientbound(encode(t, publishPacket("test/topic", "broker message")))
			if !tt.handler.subscribeCalled {
				t.Error("Expected AuthSubscribe to be called")
			}
			if tt.wantErr {
				if err == nil || v.Action != session.ActionDrop || s.terminated != 1 {
					t.Errorf("denied delivery: err = %v, verdict = %v, terminated = %d", err, v.Action, s.terminated)
				}
				return
			}
			if err != nil {
				t.Fatalf("Clientbound() error = %v", err)
			}
			pkt := decode(t, v).(*packets.PublishPacket)
			if pkt.TopicName != tt.wantTopic {
				t.Errorf("forwarded topic = %s, want %s", pkt.TopicName, tt.wantTopic)
			}
		})
	}
}

func TestSession_ClientboundPassesOtherPackets(t *testing.T) {
	mock := &mockHandler{}
	s := newTestSession(t, mock)

	connack := packets.NewControlPacket(packets.Connack)
	raw := encode(t, connack)

	v, err := s.Clientbound(raw)
	if err != nil {
		t.Fatalf("Clientbound() error = %v", err)
	}
	if !bytes.Equal(v.Data, raw) {
		t.Error("CONNACK was modified")
	}
	if mock.subscribeCalled {
		t.Error("AuthSubscribe called for CONNACK")
	}
}
