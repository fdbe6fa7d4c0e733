// Package session owns the authenticated client runtime: both server
// channels, the per-partner timelines and the call machine. A single
// dispatch goroutine applies every state change, so the collaborators it
// drives stay lock-free.
package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"peerchat/api"
	"peerchat/call"
	"peerchat/channel"
	"peerchat/crypto"
	"peerchat/models"
	"peerchat/protocol"
	"peerchat/timeline"
)

// DefaultMessageTTL is the expiry attached to outgoing messages when the
// configuration does not override it.
const DefaultMessageTTL = 24 * time.Hour

// pruneInterval is how often expired messages are dropped from timelines.
const pruneInterval = time.Minute

var (
	// ErrIncompleteIdentity indicates a start attempt without token, user id
	// or keypair. No channel may be opened before identity is complete.
	ErrIncompleteIdentity = errors.New("session: identity incomplete")
	// ErrSessionClosed indicates an operation after Close.
	ErrSessionClosed = errors.New("session: closed")
)

// Identity is the authenticated local user.
type Identity struct {
	Token    string
	UserID   int64
	Nickname string
	KeyPair  *crypto.KeyPair
}

func (id Identity) complete() bool {
	return id.Token != "" && id.UserID != 0 && id.Nickname != "" && id.KeyPair != nil
}

// Observer receives user-visible session events. Callbacks run on the
// dispatch goroutine and must not block.
type Observer interface {
	TimelineUpdated(partnerID int64)
	CallStateChanged(state call.State, peerID int64)
	ChannelClosed(name string, err error)
}

type noopObserver struct{}

func (noopObserver) TimelineUpdated(int64)            {}
func (noopObserver) CallStateChanged(call.State, int64) {}
func (noopObserver) ChannelClosed(string, error)      {}

// DialFunc establishes one websocket transport for a channel.
type DialFunc func(ctx context.Context, url string) (channel.Transport, error)

// Config wires a session to its collaborators.
type Config struct {
	Identity Identity
	Client   *api.Client

	ChatURL      string
	SignalingURL string
	Dial         DialFunc

	Media   call.Media
	Adapter call.Adapter

	RingingTimeout time.Duration
	MessageTTL     time.Duration

	Observer Observer
}

func (c Config) withDefaults() Config {
	out := c
	if out.MessageTTL <= 0 {
		out.MessageTTL = DefaultMessageTTL
	}
	if out.Observer == nil {
		out.Observer = noopObserver{}
	}
	if out.Dial == nil {
		out.Dial = func(ctx context.Context, url string) (channel.Transport, error) {
			return channel.DialWebSocket(ctx, url, nil)
		}
	}
	return out
}

// Session is one authenticated client runtime.
type Session struct {
	cfg      Config
	identity Identity
	client   *api.Client

	chat      *channel.Channel
	signaling *channel.Channel

	// Everything below is owned by the dispatch goroutine.
	timelines   map[int64]*timeline.Timeline
	partners    map[int64]*models.User
	partnerKeys map[int64]*[32]byte
	pending     map[string]int64

	machine       *call.Machine
	lastCallState call.State
	ringingTimer  *time.Timer

	commands  chan func()
	closed    chan struct{}
	closeOnce sync.Once
}

// New creates a session for a complete identity and starts its dispatch
// loop. The channels stay Connecting until Connect or an explicit attach.
func New(cfg Config) (*Session, error) {
	cfg = cfg.withDefaults()
	if !cfg.Identity.complete() {
		return nil, ErrIncompleteIdentity
	}

	s := &Session{
		cfg:      cfg,
		identity: cfg.Identity,
		client:   cfg.Client,

		timelines:   make(map[int64]*timeline.Timeline),
		partners:    make(map[int64]*models.User),
		partnerKeys: make(map[int64]*[32]byte),
		pending:     make(map[string]int64),

		lastCallState: call.StateIdle,

		commands: make(chan func(), 64),
		closed:   make(chan struct{}),
	}

	s.chat = channel.New("chat", s.handleChatPayload)
	s.signaling = channel.New("signaling", s.handleSignalingPayload)

	s.machine = call.New(call.Config{
		LocalUserID:    cfg.Identity.UserID,
		Media:          cfg.Media,
		Adapter:        cfg.Adapter,
		RingingTimeout: cfg.RingingTimeout,
		Emit: func(event call.AdapterEvent) {
			s.post(func() {
				s.sendSignalEnvelopes(s.machine.HandleAdapterEvent(event))
				s.syncCallState()
			})
		},
	})

	go s.run()
	go s.watchChannel("chat", s.chat)
	go s.watchChannel("signaling", s.signaling)

	return s, nil
}

// Connect dials both websocket endpoints and attaches them. Sends issued
// before Connect are queued by the channels and flushed in order.
func (s *Session) Connect(ctx context.Context) error {
	chatTransport, err := s.cfg.Dial(ctx, s.cfg.ChatURL)
	if err != nil {
		return err
	}
	if err := s.chat.Attach(chatTransport); err != nil {
		return err
	}

	signalingTransport, err := s.cfg.Dial(ctx, s.cfg.SignalingURL)
	if err != nil {
		return err
	}
	return s.signaling.Attach(signalingTransport)
}

// AttachChatTransport binds an already-established chat transport.
func (s *Session) AttachChatTransport(t channel.Transport) error {
	return s.chat.Attach(t)
}

// AttachSignalingTransport binds an already-established signaling transport.
func (s *Session) AttachSignalingTransport(t channel.Transport) error {
	return s.signaling.Attach(t)
}

// OpenConversation hydrates the timeline with one partner from server
// history and returns its snapshot. Safe to call before Connect.
func (s *Session) OpenConversation(ctx context.Context, partnerID int64) ([]models.Message, error) {
	records, err := s.client.GetMessages(ctx, partnerID)
	if err != nil {
		return nil, err
	}

	entries := make([]timeline.HistoryEntry, len(records))
	for i, record := range records {
		entries[i] = timeline.HistoryEntry{
			ID:             record.ID,
			SenderID:       record.SenderID,
			ReceiverID:     record.ReceiverID,
			Body:           record.Body,
			AESKeySender:   record.AESKeySender,
			AESKeyReceiver: record.AESKeyReceiver,
			State:          models.MessageState(record.State),
			ExpiredAt:      parseTime(record.ExpiredAt),
			Attachments:    record.FileAttachments,
		}
	}

	var snapshot []models.Message
	ran := s.do(func() {
		tl := s.ensureTimeline(partnerID)
		for _, ack := range tl.Hydrate(entries) {
			s.sendChatEnvelope(ack)
		}
		snapshot = tl.Messages()
		s.cfg.Observer.TimelineUpdated(partnerID)
	})
	if !ran {
		return nil, ErrSessionClosed
	}
	return snapshot, nil
}

// SendMessage encrypts and sends one message, uploading files first. The
// returned message is the local placeholder awaiting server confirmation.
func (s *Session) SendMessage(ctx context.Context, partnerID int64, plaintext string, files []api.File) (*models.Message, error) {
	partnerKey, err := s.partnerKey(ctx, partnerID)
	if err != nil {
		return nil, err
	}

	uploaded, err := s.client.UploadFiles(ctx, files)
	if err != nil {
		return nil, err
	}
	payloads := make([]string, len(uploaded))
	for i, attachment := range uploaded {
		payloads[i] = attachment.FileURL
	}

	enc, err := crypto.Encrypt(plaintext, payloads, partnerKey, s.identity.KeyPair.PublicKey)
	if err != nil {
		return nil, err
	}
	expiredAt := time.Now().Add(s.cfg.MessageTTL).UTC()

	var message *models.Message
	var opErr error
	ran := s.do(func() {
		tl := s.ensureTimeline(partnerID)
		msg, envelope, err := tl.AppendLocal(plaintext, uploaded, enc, expiredAt)
		if err != nil {
			opErr = err
			return
		}
		s.pending[msg.CorrelationID] = partnerID
		if err := s.sendChatEnvelope(envelope); err != nil {
			// The send never reached the wire; drop the placeholder so the
			// caller's error is the whole story.
			tl.DiscardUnconfirmed(msg.CorrelationID)
			delete(s.pending, msg.CorrelationID)
			opErr = err
			return
		}
		message = msg
		s.cfg.Observer.TimelineUpdated(partnerID)
	})
	if !ran {
		return nil, ErrSessionClosed
	}
	if opErr != nil {
		return nil, opErr
	}
	return message, nil
}

// MarkConversationRead advances every received message from a partner to
// read and notifies the peer.
func (s *Session) MarkConversationRead(partnerID int64) {
	s.do(func() {
		tl, ok := s.timelines[partnerID]
		if !ok {
			return
		}
		updates := tl.MarkConversationRead()
		for _, update := range updates {
			s.sendChatEnvelope(update)
		}
		if len(updates) > 0 {
			s.cfg.Observer.TimelineUpdated(partnerID)
		}
	})
}

// Messages returns a snapshot of the conversation with one partner.
func (s *Session) Messages(partnerID int64) []models.Message {
	var snapshot []models.Message
	s.do(func() {
		if tl, ok := s.timelines[partnerID]; ok {
			snapshot = tl.Messages()
		}
	})
	return snapshot
}

// Partner returns the cached profile of a conversation partner, fetching it
// from the server on first use.
func (s *Session) Partner(ctx context.Context, partnerID int64) (*models.User, error) {
	if _, err := s.partnerKey(ctx, partnerID); err != nil {
		return nil, err
	}

	var user *models.User
	s.do(func() { user = s.partners[partnerID] })
	if user == nil {
		return nil, ErrSessionClosed
	}
	return user, nil
}

// StartCall begins an outgoing call to a peer.
func (s *Session) StartCall(ctx context.Context, peerID int64, video bool) error {
	var opErr error
	ran := s.do(func() {
		envelopes, err := s.machine.StartCall(ctx, peerID, video)
		opErr = err
		s.sendSignalEnvelopes(envelopes)
		s.syncCallState()
	})
	if !ran {
		return ErrSessionClosed
	}
	return opErr
}

// AcceptCall answers the ringing incoming call.
func (s *Session) AcceptCall(ctx context.Context) error {
	var opErr error
	ran := s.do(func() {
		envelopes, err := s.machine.AcceptCall(ctx)
		opErr = err
		s.sendSignalEnvelopes(envelopes)
		s.syncCallState()
	})
	if !ran {
		return ErrSessionClosed
	}
	return opErr
}

// DeclineCall rejects the ringing incoming call.
func (s *Session) DeclineCall() error {
	var opErr error
	ran := s.do(func() {
		envelopes, err := s.machine.DeclineCall()
		opErr = err
		s.sendSignalEnvelopes(envelopes)
		s.syncCallState()
	})
	if !ran {
		return ErrSessionClosed
	}
	return opErr
}

// EndCall tears down the current call, if any.
func (s *Session) EndCall() {
	s.do(func() {
		s.sendSignalEnvelopes(s.machine.EndCall())
		s.syncCallState()
	})
}

// CallState returns the current call state and remote peer.
func (s *Session) CallState() (call.State, int64) {
	state := call.StateIdle
	var peerID int64
	s.do(func() {
		state = s.machine.State()
		peerID = s.machine.RemotePeerID()
	})
	return state, peerID
}

// Close ends any live call, closes both channels and stops the dispatch
// loop. Safe to call repeatedly.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.do(func() {
			s.sendSignalEnvelopes(s.machine.EndCall())
			s.syncCallState()
			if s.ringingTimer != nil {
				s.ringingTimer.Stop()
				s.ringingTimer = nil
			}
		})
		close(s.closed)
		_ = s.chat.Close()
		_ = s.signaling.Close()
	})
}

func (s *Session) run() {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case cmd := <-s.commands:
			cmd()
		case now := <-ticker.C:
			s.pruneExpired(now)
		case <-s.closed:
			return
		}
	}
}

// post schedules work on the dispatch goroutine without waiting for it.
func (s *Session) post(fn func()) {
	select {
	case s.commands <- fn:
	case <-s.closed:
	}
}

// do runs fn on the dispatch goroutine and waits. It reports false when the
// session closed before fn could run.
func (s *Session) do(fn func()) bool {
	done := make(chan struct{})
	select {
	case s.commands <- func() {
		fn()
		close(done)
	}:
	case <-s.closed:
		return false
	}

	select {
	case <-done:
		return true
	case <-s.closed:
		return false
	}
}

func (s *Session) watchChannel(name string, ch *channel.Channel) {
	<-ch.Done()
	err := ch.LastError()
	if err != nil {
		log.Printf("session: %s channel closed: %v", name, err)
	}
	s.post(func() {
		s.cfg.Observer.ChannelClosed(name, err)
	})
}

func (s *Session) handleChatPayload(payload []byte) {
	event, err := protocol.DecodeChatEvent(payload)
	if err != nil {
		log.Printf("session: dropping chat payload: %v", err)
		return
	}
	s.post(func() { s.applyChatEvent(event) })
}

func (s *Session) applyChatEvent(event protocol.ChatEvent) {
	switch ev := event.(type) {
	case protocol.NewMessageEvent:
		partnerID := ev.SenderID
		if partnerID == s.identity.UserID {
			partnerID = ev.ReceiverID
		}
		tl := s.ensureTimeline(partnerID)
		_, ack := tl.ApplyIncoming(ev)
		if ack != nil {
			s.sendChatEnvelope(ack)
		}
		s.cfg.Observer.TimelineUpdated(partnerID)

	case protocol.MessageSentEvent:
		partnerID, ok := s.pending[ev.CorrelationID]
		if !ok {
			log.Printf("session: confirmation for unknown correlation %q ignored", ev.CorrelationID)
			return
		}
		delete(s.pending, ev.CorrelationID)
		tl := s.ensureTimeline(partnerID)
		if err := tl.Reconcile(ev.CorrelationID, ev.MessageID, ev.State); err != nil {
			log.Printf("session: %v", err)
			return
		}
		s.cfg.Observer.TimelineUpdated(partnerID)

	case protocol.StatusUpdateEvent:
		if ev.SenderID != 0 {
			if tl, ok := s.timelines[ev.SenderID]; ok && tl.ApplyStatusUpdate(ev.MessageID, ev.State) {
				s.cfg.Observer.TimelineUpdated(ev.SenderID)
			}
			return
		}
		// No sender on the update; message ids are globally unique, so at
		// most one timeline can advance.
		for partnerID, tl := range s.timelines {
			if tl.ApplyStatusUpdate(ev.MessageID, ev.State) {
				s.cfg.Observer.TimelineUpdated(partnerID)
				return
			}
		}
		log.Printf("session: status update for unknown message %d ignored", ev.MessageID)
	}
}

func (s *Session) handleSignalingPayload(payload []byte) {
	event, err := protocol.DecodeCallEvent(payload)
	if err != nil {
		log.Printf("session: dropping signaling payload: %v", err)
		return
	}
	s.post(func() {
		s.sendSignalEnvelopes(s.machine.HandleEvent(event))
		s.syncCallState()
	})
}

func (s *Session) sendChatEnvelope(envelope *protocol.ChatEnvelope) error {
	envelope.SenderID = s.identity.UserID
	payload, err := protocol.EncodeJSON(envelope)
	if err != nil {
		log.Printf("session: %v", err)
		return err
	}
	if err := s.chat.Send(payload); err != nil {
		log.Printf("session: chat send: %v", err)
		return err
	}
	return nil
}

func (s *Session) sendSignalEnvelopes(envelopes []*protocol.CallEnvelope) {
	for _, envelope := range envelopes {
		envelope.From = s.identity.UserID
		payload, err := protocol.EncodeJSON(envelope)
		if err != nil {
			log.Printf("session: %v", err)
			continue
		}
		if err := s.signaling.Send(payload); err != nil {
			log.Printf("session: signaling send: %v", err)
		}
	}
}

// syncCallState notifies the observer and keeps the ringing timer aligned
// with the machine: armed on entry to Ringing, cancelled on exit.
func (s *Session) syncCallState() {
	state := s.machine.State()
	if state == s.lastCallState {
		return
	}
	s.lastCallState = state

	if state == call.StateRinging {
		s.ringingTimer = time.AfterFunc(s.machine.RingingTimeout(), func() {
			s.post(func() {
				s.sendSignalEnvelopes(s.machine.HandleRingingTimeout())
				s.syncCallState()
			})
		})
	} else if s.ringingTimer != nil {
		s.ringingTimer.Stop()
		s.ringingTimer = nil
	}

	s.cfg.Observer.CallStateChanged(state, s.machine.RemotePeerID())
}

func (s *Session) ensureTimeline(partnerID int64) *timeline.Timeline {
	tl, ok := s.timelines[partnerID]
	if !ok {
		tl = timeline.New(s.identity.UserID, partnerID, s.identity.KeyPair)
		s.timelines[partnerID] = tl
	}
	return tl
}

func (s *Session) partnerKey(ctx context.Context, partnerID int64) (*[32]byte, error) {
	var cached *[32]byte
	if !s.do(func() { cached = s.partnerKeys[partnerID] }) {
		return nil, ErrSessionClosed
	}
	if cached != nil {
		return cached, nil
	}

	user, err := s.client.GetUser(ctx, partnerID)
	if err != nil {
		return nil, err
	}
	key, err := crypto.DecodePublicKey(user.PublicKey)
	if err != nil {
		return nil, err
	}

	if !s.do(func() {
		s.partnerKeys[partnerID] = key
		s.partners[partnerID] = user
	}) {
		return nil, ErrSessionClosed
	}
	return key, nil
}

func (s *Session) pruneExpired(now time.Time) {
	for partnerID, tl := range s.timelines {
		if pruned := tl.PruneExpired(now); pruned > 0 {
			log.Printf("session: pruned %d expired messages for partner %d", pruned, partnerID)
			s.cfg.Observer.TimelineUpdated(partnerID)
		}
	}
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}
	}
	return parsed
}
