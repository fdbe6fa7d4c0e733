package call

import (
	"context"
	"encoding/json"
)

// Stream is an acquired local media stream.
type Stream interface {
	StopTracks()
}

// Media acquires local audio (and optionally video) after user consent.
type Media interface {
	Acquire(ctx context.Context, video bool) (Stream, error)
}

// PeerConnConfig configures one peer connection created by the adapter.
type PeerConnConfig struct {
	Initiator bool
	Stream    Stream

	OnLocalSignal  func(signal json.RawMessage)
	OnRemoteStream func()
	OnError        func(err error)
}

// PeerConn is the minimal surface of the external negotiation engine.
type PeerConn interface {
	ApplyRemoteSignal(signal json.RawMessage) error
	Destroy()
}

// Adapter creates peer connections. It wraps whatever WebRTC engine the
// embedding application provides.
type Adapter interface {
	NewPeerConnection(cfg PeerConnConfig) (PeerConn, error)
}

// AdapterEvent is an asynchronous peer-connection callback routed back into
// the session dispatch loop. Events carry the generation of the connection
// that produced them so callbacks from a torn-down connection are ignored.
type AdapterEvent interface {
	adapterEvent()
	generation() int
}

// LocalSignalEvent carries a negotiation blob produced by the local engine.
type LocalSignalEvent struct {
	gen    int
	Signal json.RawMessage
}

// RemoteStreamEvent reports that remote media started flowing.
type RemoteStreamEvent struct {
	gen int
}

// AdapterErrorEvent reports a negotiation failure.
type AdapterErrorEvent struct {
	gen int
	Err error
}

func (e LocalSignalEvent) adapterEvent()  {}
func (e RemoteStreamEvent) adapterEvent() {}
func (e AdapterErrorEvent) adapterEvent() {}

func (e LocalSignalEvent) generation() int  { return e.gen }
func (e RemoteStreamEvent) generation() int { return e.gen }
func (e AdapterErrorEvent) generation() int { return e.gen }
