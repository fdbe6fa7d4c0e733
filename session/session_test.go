package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"peerchat/api"
	"peerchat/call"
	"peerchat/crypto"
	"peerchat/protocol"
)

type fakeTransport struct {
	inbound chan []byte
	sent    chan []byte
	done    chan struct{}
	once    sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 16),
		sent:    make(chan []byte, 16),
		done:    make(chan struct{}),
	}
}

func (t *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case payload := <-t.inbound:
		return payload, nil
	case <-t.done:
		return nil, io.EOF
	}
}

func (t *fakeTransport) WriteMessage(payload []byte) error {
	select {
	case <-t.done:
		return errors.New("transport closed")
	default:
	}
	select {
	case t.sent <- payload:
		return nil
	case <-t.done:
		return errors.New("transport closed")
	}
}

func (t *fakeTransport) Close() error {
	t.once.Do(func() { close(t.done) })
	return nil
}

type fakeStream struct{}

func (*fakeStream) StopTracks() {}

type fakeMedia struct{}

func (fakeMedia) Acquire(_ context.Context, _ bool) (call.Stream, error) {
	return &fakeStream{}, nil
}

type fakePeerConn struct {
	cfg call.PeerConnConfig

	mu        sync.Mutex
	applied   []json.RawMessage
	destroyed bool
}

func (c *fakePeerConn) ApplyRemoteSignal(signal json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applied = append(c.applied, signal)
	return nil
}

func (c *fakePeerConn) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyed = true
}

func (c *fakePeerConn) appliedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.applied)
}

type fakeAdapter struct {
	mu    sync.Mutex
	conns []*fakePeerConn
}

func (a *fakeAdapter) NewPeerConnection(cfg call.PeerConnConfig) (call.PeerConn, error) {
	conn := &fakePeerConn{cfg: cfg}
	a.mu.Lock()
	a.conns = append(a.conns, conn)
	a.mu.Unlock()
	return conn, nil
}

func (a *fakeAdapter) conn(t *testing.T, index int) *fakePeerConn {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	if index >= len(a.conns) {
		t.Fatalf("expected at least %d peer connections, got %d", index+1, len(a.conns))
	}
	return a.conns[index]
}

type recordingObserver struct {
	mu       sync.Mutex
	timeline map[int64]int
	closed   map[string]bool
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		timeline: make(map[int64]int),
		closed:   make(map[string]bool),
	}
}

func (o *recordingObserver) TimelineUpdated(partnerID int64) {
	o.mu.Lock()
	o.timeline[partnerID]++
	o.mu.Unlock()
}

func (o *recordingObserver) CallStateChanged(call.State, int64) {}

func (o *recordingObserver) ChannelClosed(name string, _ error) {
	o.mu.Lock()
	o.closed[name] = true
	o.mu.Unlock()
}

func (o *recordingObserver) timelineCount(partnerID int64) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.timeline[partnerID]
}

func (o *recordingObserver) channelClosed(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed[name]
}

type fixture struct {
	session  *Session
	chat     *fakeTransport
	signal   *fakeTransport
	adapter  *fakeAdapter
	observer *recordingObserver
	local    *crypto.KeyPair
	partner  *crypto.KeyPair
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	local, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate local keypair: %v", err)
	}
	partner, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate partner keypair: %v", err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/users/2":
			resp := map[string]any{"id": 2, "nickname": "bob", "publicKey": crypto.EncodePublicKey(partner.PublicKey)}
			_ = json.NewEncoder(w).Encode(resp)
		case "/api/messages":
			_, _ = w.Write([]byte("[]"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)

	adapter := &fakeAdapter{}
	observer := newRecordingObserver()
	sess, err := New(Config{
		Identity:       Identity{Token: "tok", UserID: 1, Nickname: "alice", KeyPair: local},
		Client:         api.NewClient(server.URL, "tok"),
		Media:          fakeMedia{},
		Adapter:        adapter,
		RingingTimeout: 50 * time.Millisecond,
		Observer:       observer,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(sess.Close)

	chat := newFakeTransport()
	signal := newFakeTransport()
	if err := sess.AttachChatTransport(chat); err != nil {
		t.Fatalf("attach chat transport: %v", err)
	}
	if err := sess.AttachSignalingTransport(signal); err != nil {
		t.Fatalf("attach signaling transport: %v", err)
	}

	return &fixture{session: sess, chat: chat, signal: signal, adapter: adapter, observer: observer, local: local, partner: partner}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func readChatEnvelope(t *testing.T, transport *fakeTransport) protocol.ChatEnvelope {
	t.Helper()
	select {
	case payload := <-transport.sent:
		var envelope protocol.ChatEnvelope
		if err := json.Unmarshal(payload, &envelope); err != nil {
			t.Fatalf("parse chat envelope: %v", err)
		}
		return envelope
	case <-time.After(2 * time.Second):
		t.Fatalf("no chat envelope written")
		return protocol.ChatEnvelope{}
	}
}

func readCallEnvelope(t *testing.T, transport *fakeTransport) protocol.CallEnvelope {
	t.Helper()
	select {
	case payload := <-transport.sent:
		var envelope protocol.CallEnvelope
		if err := json.Unmarshal(payload, &envelope); err != nil {
			t.Fatalf("parse call envelope: %v", err)
		}
		return envelope
	case <-time.After(2 * time.Second):
		t.Fatalf("no call envelope written")
		return protocol.CallEnvelope{}
	}
}

func (f *fixture) pushChat(t *testing.T, envelope protocol.ChatEnvelope) {
	t.Helper()
	payload, err := json.Marshal(envelope)
	if err != nil {
		t.Fatalf("marshal inbound envelope: %v", err)
	}
	f.chat.inbound <- payload
}

func (f *fixture) pushSignal(t *testing.T, envelope protocol.CallEnvelope) {
	t.Helper()
	payload, err := json.Marshal(envelope)
	if err != nil {
		t.Fatalf("marshal inbound envelope: %v", err)
	}
	f.signal.inbound <- payload
}

func TestNewRequiresCompleteIdentity(t *testing.T) {
	local, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}

	_, err = New(Config{Identity: Identity{UserID: 1, KeyPair: local}})
	if !errors.Is(err, ErrIncompleteIdentity) {
		t.Fatalf("expected ErrIncompleteIdentity for missing token, got %v", err)
	}

	_, err = New(Config{Identity: Identity{Token: "tok", UserID: 1}})
	if !errors.Is(err, ErrIncompleteIdentity) {
		t.Fatalf("expected ErrIncompleteIdentity for missing keypair, got %v", err)
	}
}

func TestSendMessageConfirmsViaCorrelation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	message, err := f.session.SendMessage(ctx, 2, "hi", nil)
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if message.Confirmed() {
		t.Fatalf("expected unconfirmed placeholder, got id %d", message.ID)
	}

	envelope := readChatEnvelope(t, f.chat)
	if envelope.Type != protocol.TypeMessage {
		t.Fatalf("expected message envelope, got %q", envelope.Type)
	}
	if envelope.ReceiverID != 2 || envelope.SenderID != 1 {
		t.Fatalf("unexpected envelope addressing: %+v", envelope)
	}
	if envelope.CorrelationID != message.CorrelationID {
		t.Fatalf("expected correlation %q on the wire, got %q", message.CorrelationID, envelope.CorrelationID)
	}
	if envelope.Body == "hi" {
		t.Fatalf("plaintext leaked to the wire")
	}

	plaintext, _, err := crypto.Decrypt(envelope.Body, envelope.AESKeyReceiver, f.partner, nil)
	if err != nil {
		t.Fatalf("partner could not decrypt: %v", err)
	}
	if plaintext != "hi" {
		t.Fatalf("partner decrypted %q", plaintext)
	}

	f.pushChat(t, protocol.ChatEnvelope{
		Type:          protocol.TypeMessageSent,
		CorrelationID: envelope.CorrelationID,
		MessageID:     42,
		State:         "sent",
	})

	waitFor(t, "confirmation", func() bool {
		messages := f.session.Messages(2)
		return len(messages) == 1 && messages[0].ID == 42
	})
}

func TestIncomingMessageDecryptsAndAcks(t *testing.T) {
	f := newFixture(t)

	enc, err := crypto.Encrypt("hello", nil, f.local.PublicKey, f.partner.PublicKey)
	if err != nil {
		t.Fatalf("partner-side encrypt failed: %v", err)
	}

	f.pushChat(t, protocol.ChatEnvelope{
		Type:           protocol.TypeNewMessage,
		SenderID:       2,
		ReceiverID:     1,
		Body:           enc.Body,
		AESKeySender:   enc.KeyForSender,
		AESKeyReceiver: enc.KeyForReceiver,
		MessageID:      7,
		ExpiredAt:      time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	})

	ack := readChatEnvelope(t, f.chat)
	if ack.Type != protocol.TypeStatusUpdate || ack.MessageID != 7 || ack.State != "received" {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	messages := f.session.Messages(2)
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	if messages[0].Body != "hello" || messages[0].Undecryptable {
		t.Fatalf("unexpected message: %+v", messages[0])
	}
}

func TestMarkConversationReadNotifiesPeer(t *testing.T) {
	f := newFixture(t)

	enc, err := crypto.Encrypt("read me", nil, f.local.PublicKey, f.partner.PublicKey)
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	f.pushChat(t, protocol.ChatEnvelope{
		Type:           protocol.TypeNewMessage,
		SenderID:       2,
		ReceiverID:     1,
		Body:           enc.Body,
		AESKeyReceiver: enc.KeyForReceiver,
		MessageID:      12,
	})
	readChatEnvelope(t, f.chat) // received ack

	f.session.MarkConversationRead(2)
	update := readChatEnvelope(t, f.chat)
	if update.Type != protocol.TypeStatusUpdate || update.MessageID != 12 || update.State != "read" {
		t.Fatalf("unexpected read update: %+v", update)
	}

	messages := f.session.Messages(2)
	if len(messages) != 1 || messages[0].State != "read" {
		t.Fatalf("expected local copy read, got %+v", messages)
	}
}

func TestUndecryptableMessageKeptAndAcked(t *testing.T) {
	f := newFixture(t)

	f.pushChat(t, protocol.ChatEnvelope{
		Type:           protocol.TypeNewMessage,
		SenderID:       2,
		ReceiverID:     1,
		Body:           "not-a-ciphertext",
		AESKeyReceiver: "garbage",
		MessageID:      8,
	})

	ack := readChatEnvelope(t, f.chat)
	if ack.MessageID != 8 || ack.State != "received" {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	messages := f.session.Messages(2)
	if len(messages) != 1 || !messages[0].Undecryptable {
		t.Fatalf("expected undecryptable placeholder, got %+v", messages)
	}
}

func TestStatusUpdateAdvancesLocalMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.session.SendMessage(ctx, 2, "hi", nil); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	envelope := readChatEnvelope(t, f.chat)
	f.pushChat(t, protocol.ChatEnvelope{
		Type:          protocol.TypeMessageSent,
		CorrelationID: envelope.CorrelationID,
		MessageID:     42,
	})
	waitFor(t, "confirmation", func() bool {
		messages := f.session.Messages(2)
		return len(messages) == 1 && messages[0].ID == 42
	})

	f.pushChat(t, protocol.ChatEnvelope{
		Type:      protocol.TypeStatusUpdate,
		SenderID:  2,
		MessageID: 42,
		State:     "read",
	})
	waitFor(t, "read state", func() bool {
		messages := f.session.Messages(2)
		return len(messages) == 1 && messages[0].State == "read"
	})
}

func TestSenderlessStatusUpdateNotifiesOnlyMatchingTimeline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// One conversation with partner 2 holding a confirmed local message.
	if _, err := f.session.SendMessage(ctx, 2, "hi", nil); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	envelope := readChatEnvelope(t, f.chat)
	f.pushChat(t, protocol.ChatEnvelope{
		Type:          protocol.TypeMessageSent,
		CorrelationID: envelope.CorrelationID,
		MessageID:     42,
	})
	waitFor(t, "confirmation", func() bool {
		messages := f.session.Messages(2)
		return len(messages) == 1 && messages[0].ID == 42
	})

	// A second conversation with partner 3.
	f.pushChat(t, protocol.ChatEnvelope{
		Type:           protocol.TypeNewMessage,
		SenderID:       3,
		ReceiverID:     1,
		Body:           "opaque",
		AESKeyReceiver: "garbage",
		MessageID:      50,
	})
	readChatEnvelope(t, f.chat) // received ack
	partner3Baseline := f.observer.timelineCount(3)
	partner2Baseline := f.observer.timelineCount(2)

	// A senderless update for an unknown message, then one matching 42.
	f.pushChat(t, protocol.ChatEnvelope{Type: protocol.TypeStatusUpdate, MessageID: 999, State: "read"})
	f.pushChat(t, protocol.ChatEnvelope{Type: protocol.TypeStatusUpdate, MessageID: 42, State: "received"})
	waitFor(t, "received state", func() bool {
		messages := f.session.Messages(2)
		return len(messages) == 1 && messages[0].State == "received"
	})

	if got := f.observer.timelineCount(3); got != partner3Baseline {
		t.Fatalf("partner 3 notified %d times by updates that changed nothing there", got-partner3Baseline)
	}
	if got := f.observer.timelineCount(2); got != partner2Baseline+1 {
		t.Fatalf("expected exactly one notification for partner 2, got %d", got-partner2Baseline)
	}
}

func TestSendMessageRollsBackWhenChannelClosed(t *testing.T) {
	f := newFixture(t)

	_ = f.chat.Close()
	waitFor(t, "chat channel closed", func() bool { return f.observer.channelClosed("chat") })

	if _, err := f.session.SendMessage(context.Background(), 2, "hi", nil); err == nil {
		t.Fatalf("expected send failure on closed channel")
	}
	if messages := f.session.Messages(2); len(messages) != 0 {
		t.Fatalf("failed send left a placeholder behind: %+v", messages)
	}
}

func TestIncomingCallRingsAndAccepts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.pushSignal(t, protocol.CallEnvelope{
		Type:   protocol.TypeVideoCall,
		From:   2,
		Signal: json.RawMessage(`{"sdp":"offer"}`),
	})

	waitFor(t, "ringing", func() bool {
		state, peerID := f.session.CallState()
		return state == call.StateRinging && peerID == 2
	})

	if err := f.session.AcceptCall(ctx); err != nil {
		t.Fatalf("AcceptCall failed: %v", err)
	}
	state, _ := f.session.CallState()
	if state != call.StateNegotiating {
		t.Fatalf("expected NEGOTIATING after accept, got %s", state)
	}

	conn := f.adapter.conn(t, 0)
	if conn.cfg.Initiator {
		t.Fatalf("answering connection must not be the initiator")
	}
	if conn.appliedCount() != 1 {
		t.Fatalf("expected buffered offer applied once, got %d", conn.appliedCount())
	}

	conn.cfg.OnLocalSignal(json.RawMessage(`{"sdp":"answer"}`))
	answer := readCallEnvelope(t, f.signal)
	if answer.Type != protocol.TypeAcceptCall || answer.To != 2 || answer.From != 1 {
		t.Fatalf("unexpected answer envelope: %+v", answer)
	}
}

func TestRingingTimeoutAutoDeclines(t *testing.T) {
	f := newFixture(t)

	f.pushSignal(t, protocol.CallEnvelope{
		Type:   protocol.TypeSignal,
		From:   2,
		Signal: json.RawMessage(`{"sdp":"offer"}`),
	})

	decline := readCallEnvelope(t, f.signal)
	if decline.Type != protocol.TypeDeclineCall || decline.To != 2 {
		t.Fatalf("unexpected auto-decline: %+v", decline)
	}

	waitFor(t, "idle after timeout", func() bool {
		state, _ := f.session.CallState()
		return state == call.StateIdle
	})
}

func TestOutgoingCallLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.session.StartCall(ctx, 2, false); err != nil {
		t.Fatalf("StartCall failed: %v", err)
	}
	state, peerID := f.session.CallState()
	if state != call.StateOutgoingOffered || peerID != 2 {
		t.Fatalf("expected OUTGOING_OFFERED to 2, got %s to %d", state, peerID)
	}

	conn := f.adapter.conn(t, 0)
	if !conn.cfg.Initiator {
		t.Fatalf("offering connection must be the initiator")
	}

	conn.cfg.OnLocalSignal(json.RawMessage(`{"sdp":"offer"}`))
	offer := readCallEnvelope(t, f.signal)
	if offer.Type != protocol.TypeSignal || offer.To != 2 {
		t.Fatalf("unexpected offer envelope: %+v", offer)
	}

	f.pushSignal(t, protocol.CallEnvelope{
		Type:   protocol.TypeAcceptCall,
		From:   2,
		Signal: json.RawMessage(`{"sdp":"answer"}`),
	})
	waitFor(t, "negotiating", func() bool {
		state, _ := f.session.CallState()
		return state == call.StateNegotiating
	})

	conn.cfg.OnRemoteStream()
	waitFor(t, "active", func() bool {
		state, _ := f.session.CallState()
		return state == call.StateActive
	})

	f.session.EndCall()
	end := readCallEnvelope(t, f.signal)
	if end.Type != protocol.TypeEnd || end.To != 2 {
		t.Fatalf("unexpected end envelope: %+v", end)
	}
	state, _ = f.session.CallState()
	if state != call.StateIdle {
		t.Fatalf("expected IDLE after end, got %s", state)
	}
}

func TestOpenConversationHydratesAndReturnsSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	messages, err := f.session.OpenConversation(ctx, 2)
	if err != nil {
		t.Fatalf("OpenConversation failed: %v", err)
	}
	if len(messages) != 0 {
		t.Fatalf("expected empty history, got %d messages", len(messages))
	}
}

func TestMalformedPayloadsAreDropped(t *testing.T) {
	f := newFixture(t)

	f.chat.inbound <- []byte("{not json")
	f.signal.inbound <- []byte(`{"type":"signal"}`)

	// A well-formed message after the garbage still gets through.
	enc, err := crypto.Encrypt("still here", nil, f.local.PublicKey, f.partner.PublicKey)
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	f.pushChat(t, protocol.ChatEnvelope{
		Type:           protocol.TypeNewMessage,
		SenderID:       2,
		ReceiverID:     1,
		Body:           enc.Body,
		AESKeyReceiver: enc.KeyForReceiver,
		MessageID:      9,
	})

	ack := readChatEnvelope(t, f.chat)
	if ack.MessageID != 9 {
		t.Fatalf("unexpected ack: %+v", ack)
	}
	state, _ := f.session.CallState()
	if state != call.StateIdle {
		t.Fatalf("malformed signaling payload must not change call state, got %s", state)
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	f := newFixture(t)
	f.session.Close()

	_, err := f.session.SendMessage(context.Background(), 2, "hi", nil)
	if !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}
