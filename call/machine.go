// Package call implements the audio/video call lifecycle: offer, ring,
// accept, decline, glare resolution and teardown. The machine is driven
// from a single dispatch goroutine and returns outbound signaling envelopes
// instead of sending them itself.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"peerchat/protocol"
)

// DefaultRingingTimeout bounds how long an incoming call may ring before it
// is auto-declined.
const DefaultRingingTimeout = 30 * time.Second

// State is the call session lifecycle state.
type State string

const (
	StateIdle            State = "IDLE"
	StateOutgoingOffered State = "OUTGOING_OFFERED"
	StateRinging         State = "RINGING"
	StateNegotiating     State = "NEGOTIATING"
	StateActive          State = "ACTIVE"
	StateEnding          State = "ENDING"
)

// Config wires the machine to its collaborators.
//
// Emit routes asynchronous adapter callbacks back into the dispatch loop;
// the session must eventually hand each event to HandleAdapterEvent on the
// same goroutine that drives the other methods.
type Config struct {
	LocalUserID    int64
	Media          Media
	Adapter        Adapter
	RingingTimeout time.Duration
	Emit           func(AdapterEvent)
}

func (c Config) withDefaults() Config {
	out := c
	if out.RingingTimeout <= 0 {
		out.RingingTimeout = DefaultRingingTimeout
	}
	if out.Emit == nil {
		out.Emit = func(AdapterEvent) {}
	}
	return out
}

// Machine is the call session state machine. At most one non-terminal
// session exists at any time; Idle is both the initial and terminal state.
type Machine struct {
	cfg Config

	state         State
	remotePeerID  int64
	isVideo       bool
	initiator     bool
	pendingSignal json.RawMessage

	conn    PeerConn
	stream  Stream
	connGen int
}

// New creates a machine in the Idle state.
func New(cfg Config) *Machine {
	return &Machine{cfg: cfg.withDefaults(), state: StateIdle}
}

// State returns the current session state.
func (m *Machine) State() State {
	return m.state
}

// RemotePeerID returns the peer of the current session, 0 when Idle.
func (m *Machine) RemotePeerID() int64 {
	return m.remotePeerID
}

// IsVideo reports whether the current session carries video.
func (m *Machine) IsVideo() bool {
	return m.isVideo
}

// RingingTimeout returns the configured auto-decline interval.
func (m *Machine) RingingTimeout() time.Duration {
	return m.cfg.RingingTimeout
}

// StartCall begins an outgoing call. Valid from Idle, or from Ringing when
// the same peer's offer is already buffered; that glare case resolves
// deterministically so both clients converge on one session: the lower user
// id stays the offerer, the other side answers the buffered offer instead.
func (m *Machine) StartCall(ctx context.Context, peerID int64, video bool) ([]*protocol.CallEnvelope, error) {
	switch m.state {
	case StateIdle:
		// normal outgoing call below
	case StateRinging:
		if m.remotePeerID != peerID {
			return nil, ErrCallInProgress
		}
		if m.cfg.LocalUserID > peerID {
			// Glare, and the peer wins: answer its buffered offer.
			return m.AcceptCall(ctx)
		}
		// Glare, and we win: the peer will yield once our offer arrives.
		m.pendingSignal = nil
	default:
		return nil, ErrCallInProgress
	}

	stream, err := m.acquireMedia(ctx, video)
	if err != nil {
		m.teardown()
		return nil, &MediaError{Err: err}
	}

	m.remotePeerID = peerID
	m.isVideo = video
	m.initiator = true
	m.stream = stream

	conn, err := m.newPeerConnection(true)
	if err != nil {
		m.teardown()
		return nil, &SignalingError{Err: err}
	}
	m.conn = conn
	m.state = StateOutgoingOffered

	return nil, nil
}

// AcceptCall answers the ringing incoming call: acquires media, creates the
// answering peer connection and applies the buffered remote offer.
func (m *Machine) AcceptCall(ctx context.Context) ([]*protocol.CallEnvelope, error) {
	if m.state != StateRinging {
		return nil, ErrNotRinging
	}

	stream, err := m.acquireMedia(ctx, m.isVideo)
	if err != nil {
		m.teardown()
		return nil, &MediaError{Err: err}
	}
	m.stream = stream
	m.initiator = false

	conn, err := m.newPeerConnection(false)
	if err != nil {
		m.teardown()
		return nil, &SignalingError{Err: err}
	}
	m.conn = conn

	offer := m.pendingSignal
	m.pendingSignal = nil
	if err := conn.ApplyRemoteSignal(offer); err != nil {
		m.teardown()
		return nil, &SignalingError{Err: err}
	}

	m.state = StateNegotiating
	return nil, nil
}

// DeclineCall rejects the ringing incoming call and returns to Idle.
func (m *Machine) DeclineCall() ([]*protocol.CallEnvelope, error) {
	if m.state != StateRinging {
		return nil, ErrNotRinging
	}

	decline := &protocol.CallEnvelope{Type: protocol.TypeDeclineCall, To: m.remotePeerID}
	m.teardown()
	return []*protocol.CallEnvelope{decline}, nil
}

// EndCall tears the session down from any state and notifies the peer.
// Calling it while Idle is a no-op; no duplicate end envelope is sent.
func (m *Machine) EndCall() []*protocol.CallEnvelope {
	if m.state == StateIdle {
		return nil
	}

	end := &protocol.CallEnvelope{Type: protocol.TypeEnd, To: m.remotePeerID}
	m.state = StateEnding
	m.teardown()
	return []*protocol.CallEnvelope{end}
}

// HandleRingingTimeout auto-declines an incoming call that rang too long.
// A stale timeout after the state moved on is a no-op.
func (m *Machine) HandleRingingTimeout() []*protocol.CallEnvelope {
	if m.state != StateRinging {
		return nil
	}
	log.Printf("call: incoming call from %d timed out after %s", m.remotePeerID, m.cfg.RingingTimeout)
	envelopes, _ := m.DeclineCall()
	return envelopes
}

// HandleEvent applies one validated signaling envelope from the peer.
func (m *Machine) HandleEvent(event protocol.CallEvent) []*protocol.CallEnvelope {
	switch ev := event.(type) {
	case protocol.OfferSignalEvent:
		return m.handleOfferSignal(ev)
	case protocol.AcceptSignalEvent:
		return m.handleAcceptSignal(ev)
	case protocol.DeclineEvent:
		if m.state != StateIdle && ev.From == m.remotePeerID {
			m.teardown()
		}
		return nil
	case protocol.EndEvent:
		if m.state != StateIdle && ev.From == m.remotePeerID {
			// Symmetric teardown without echoing end back.
			m.teardown()
		}
		return nil
	default:
		return nil
	}
}

// HandleAdapterEvent applies one asynchronous peer-connection callback.
// Events from a previous connection generation are dropped.
func (m *Machine) HandleAdapterEvent(event AdapterEvent) []*protocol.CallEnvelope {
	if event.generation() != m.connGen || m.state == StateIdle {
		return nil
	}

	switch ev := event.(type) {
	case LocalSignalEvent:
		return []*protocol.CallEnvelope{m.localSignalEnvelope(ev.Signal)}
	case RemoteStreamEvent:
		if m.state == StateOutgoingOffered || m.state == StateNegotiating {
			m.state = StateActive
		}
		return nil
	case AdapterErrorEvent:
		log.Printf("call: %v", &SignalingError{Err: ev.Err})
		m.teardown()
		return nil
	default:
		return nil
	}
}

func (m *Machine) handleOfferSignal(ev protocol.OfferSignalEvent) []*protocol.CallEnvelope {
	switch m.state {
	case StateIdle:
		// No media access before the user consents; just ring.
		m.state = StateRinging
		m.remotePeerID = ev.From
		m.isVideo = ev.Video
		m.pendingSignal = ev.Signal
		return nil

	case StateOutgoingOffered:
		if ev.From != m.remotePeerID {
			return m.declineBusy(ev.From)
		}
		// Glare: both sides offered. The lower user id stays the offerer.
		if m.cfg.LocalUserID < ev.From {
			log.Printf("call: glare with %d, keeping local offer", ev.From)
			return nil
		}
		return m.yieldToRemoteOffer(ev)

	case StateNegotiating, StateActive:
		if ev.From != m.remotePeerID {
			return m.declineBusy(ev.From)
		}
		m.applyRemoteSignal(ev.Signal)
		return nil

	case StateRinging:
		if ev.From != m.remotePeerID {
			return m.declineBusy(ev.From)
		}
		// Re-sent offer while ringing; keep the latest blob.
		m.pendingSignal = ev.Signal
		return nil

	default:
		return nil
	}
}

func (m *Machine) handleAcceptSignal(ev protocol.AcceptSignalEvent) []*protocol.CallEnvelope {
	if ev.From != m.remotePeerID {
		return nil
	}
	switch m.state {
	case StateOutgoingOffered:
		m.applyRemoteSignal(ev.Signal)
		if m.state != StateIdle {
			m.state = StateNegotiating
		}
		return nil
	case StateNegotiating, StateActive:
		m.applyRemoteSignal(ev.Signal)
		return nil
	default:
		return nil
	}
}

// yieldToRemoteOffer abandons the local offer during glare: the offering
// connection is destroyed, the already-acquired stream is reused to answer
// the remote offer.
func (m *Machine) yieldToRemoteOffer(ev protocol.OfferSignalEvent) []*protocol.CallEnvelope {
	log.Printf("call: glare with %d, yielding to remote offer", ev.From)

	if m.conn != nil {
		m.conn.Destroy()
		m.conn = nil
	}
	m.initiator = false
	m.isVideo = m.isVideo || ev.Video

	conn, err := m.newPeerConnection(false)
	if err != nil {
		log.Printf("call: %v", &SignalingError{Err: err})
		m.teardown()
		return nil
	}
	m.conn = conn

	if err := conn.ApplyRemoteSignal(ev.Signal); err != nil {
		log.Printf("call: %v", &SignalingError{Err: err})
		m.teardown()
		return nil
	}

	m.state = StateNegotiating
	return nil
}

func (m *Machine) declineBusy(from int64) []*protocol.CallEnvelope {
	log.Printf("call: declining offer from %d while busy with %d", from, m.remotePeerID)
	return []*protocol.CallEnvelope{{Type: protocol.TypeDeclineCall, To: from}}
}

func (m *Machine) applyRemoteSignal(signal json.RawMessage) {
	if m.conn == nil {
		return
	}
	if err := m.conn.ApplyRemoteSignal(signal); err != nil {
		log.Printf("call: %v", &SignalingError{Err: err})
		m.teardown()
	}
}

func (m *Machine) localSignalEnvelope(signal json.RawMessage) *protocol.CallEnvelope {
	envelope := &protocol.CallEnvelope{Signal: signal, To: m.remotePeerID}
	switch {
	case !m.initiator:
		envelope.Type = protocol.TypeAcceptCall
	case m.state == StateOutgoingOffered && m.isVideo:
		envelope.Type = protocol.TypeVideoCall
	default:
		envelope.Type = protocol.TypeSignal
	}
	return envelope
}

// acquireMedia guards against a session wired without a media source, as a
// headless embedding may be.
func (m *Machine) acquireMedia(ctx context.Context, video bool) (Stream, error) {
	if m.cfg.Media == nil {
		return nil, errors.New("no media source configured")
	}
	return m.cfg.Media.Acquire(ctx, video)
}

func (m *Machine) newPeerConnection(initiator bool) (PeerConn, error) {
	if m.cfg.Adapter == nil {
		return nil, errors.New("no peer connection adapter configured")
	}
	m.connGen++
	gen := m.connGen

	return m.cfg.Adapter.NewPeerConnection(PeerConnConfig{
		Initiator: initiator,
		Stream:    m.stream,
		OnLocalSignal: func(signal json.RawMessage) {
			m.cfg.Emit(LocalSignalEvent{gen: gen, Signal: signal})
		},
		OnRemoteStream: func() {
			m.cfg.Emit(RemoteStreamEvent{gen: gen})
		},
		OnError: func(err error) {
			m.cfg.Emit(AdapterErrorEvent{gen: gen, Err: err})
		},
	})
}

// teardown releases the peer connection and media and returns to Idle.
func (m *Machine) teardown() {
	if m.conn != nil {
		m.conn.Destroy()
		m.conn = nil
	}
	if m.stream != nil {
		m.stream.StopTracks()
		m.stream = nil
	}
	m.connGen++
	m.state = StateIdle
	m.remotePeerID = 0
	m.isVideo = false
	m.initiator = false
	m.pendingSignal = nil
}
