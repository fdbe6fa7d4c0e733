package protocol

import (
	"encoding/json"

	"peerchat/models"
)

// ChatEvent is a validated chat envelope variant.
type ChatEvent interface {
	chatEvent()
}

// NewMessageEvent is an inbound encrypted message.
type NewMessageEvent struct {
	SenderID       int64
	ReceiverID     int64
	Body           string
	AESKeySender   string
	AESKeyReceiver string
	MessageID      int64
	ExpiredAt      string
	Attachments    []models.Attachment
}

// MessageSentEvent confirms a locally sent message with its server id.
type MessageSentEvent struct {
	CorrelationID string
	MessageID     int64
	State         models.MessageState
}

// StatusUpdateEvent moves a confirmed message to a later delivery state.
type StatusUpdateEvent struct {
	SenderID  int64
	MessageID int64
	State     models.MessageState
}

func (NewMessageEvent) chatEvent()   {}
func (MessageSentEvent) chatEvent()  {}
func (StatusUpdateEvent) chatEvent() {}

// DecodeChatEvent validates a raw chat payload and returns its typed variant.
func DecodeChatEvent(payload []byte) (ChatEvent, error) {
	var envelope ChatEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, &ValidationError{Channel: "chat", Reason: "not valid JSON"}
	}

	switch envelope.Type {
	case TypeNewMessage:
		if envelope.SenderID == 0 || envelope.ReceiverID == 0 {
			return nil, &ValidationError{Channel: "chat", Type: envelope.Type, Reason: "missing sender or receiver id"}
		}
		if envelope.Body == "" {
			return nil, &ValidationError{Channel: "chat", Type: envelope.Type, Reason: "missing body"}
		}
		attachments, err := DecodeAttachments(envelope.FileAttachments)
		if err != nil {
			return nil, &ValidationError{Channel: "chat", Type: envelope.Type, Reason: "malformed file attachments"}
		}
		return NewMessageEvent{
			SenderID:       envelope.SenderID,
			ReceiverID:     envelope.ReceiverID,
			Body:           envelope.Body,
			AESKeySender:   envelope.AESKeySender,
			AESKeyReceiver: envelope.AESKeyReceiver,
			MessageID:      envelope.MessageID,
			ExpiredAt:      envelope.ExpiredAt,
			Attachments:    attachments,
		}, nil

	case TypeMessageSent:
		if envelope.CorrelationID == "" {
			return nil, &ValidationError{Channel: "chat", Type: envelope.Type, Reason: "missing correlation id"}
		}
		if envelope.MessageID == 0 {
			return nil, &ValidationError{Channel: "chat", Type: envelope.Type, Reason: "missing message id"}
		}
		state := models.MessageState(envelope.State)
		if state == "" {
			state = models.StateSent
		}
		if !state.Valid() {
			return nil, &ValidationError{Channel: "chat", Type: envelope.Type, Reason: "unknown state"}
		}
		return MessageSentEvent{
			CorrelationID: envelope.CorrelationID,
			MessageID:     envelope.MessageID,
			State:         state,
		}, nil

	case TypeStatusUpdate:
		if envelope.MessageID == 0 {
			return nil, &ValidationError{Channel: "chat", Type: envelope.Type, Reason: "missing message id"}
		}
		state := models.MessageState(envelope.State)
		if !state.Valid() {
			return nil, &ValidationError{Channel: "chat", Type: envelope.Type, Reason: "unknown state"}
		}
		return StatusUpdateEvent{
			SenderID:  envelope.SenderID,
			MessageID: envelope.MessageID,
			State:     state,
		}, nil

	default:
		return nil, &ValidationError{Channel: "chat", Type: envelope.Type, Reason: "unknown type"}
	}
}

// CallEvent is a validated signaling envelope variant.
type CallEvent interface {
	callEvent()
}

// OfferSignalEvent carries a negotiation blob: the initial offer when the
// session is idle, or a follow-up blob for a live negotiation.
type OfferSignalEvent struct {
	From   int64
	Video  bool
	Signal json.RawMessage
}

// AcceptSignalEvent carries the callee's answer blob.
type AcceptSignalEvent struct {
	From   int64
	Signal json.RawMessage
}

// DeclineEvent reports the callee declined.
type DeclineEvent struct {
	From int64
}

// EndEvent reports the peer ended the call.
type EndEvent struct {
	From int64
}

func (OfferSignalEvent) callEvent()  {}
func (AcceptSignalEvent) callEvent() {}
func (DeclineEvent) callEvent()      {}
func (EndEvent) callEvent()          {}

// DecodeCallEvent validates a raw signaling payload and returns its typed
// variant.
func DecodeCallEvent(payload []byte) (CallEvent, error) {
	var envelope CallEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, &ValidationError{Channel: "call", Reason: "not valid JSON"}
	}
	if envelope.From == 0 {
		return nil, &ValidationError{Channel: "call", Type: envelope.Type, Reason: "missing from"}
	}

	switch envelope.Type {
	case TypeSignal, TypeVideoCall:
		if !hasSignal(envelope.Signal) {
			return nil, &ValidationError{Channel: "call", Type: envelope.Type, Reason: "missing signal"}
		}
		return OfferSignalEvent{
			From:   envelope.From,
			Video:  envelope.Type == TypeVideoCall,
			Signal: envelope.Signal,
		}, nil

	case TypeAcceptCall:
		if !hasSignal(envelope.Signal) {
			return nil, &ValidationError{Channel: "call", Type: envelope.Type, Reason: "missing signal"}
		}
		return AcceptSignalEvent{From: envelope.From, Signal: envelope.Signal}, nil

	case TypeDeclineCall:
		return DeclineEvent{From: envelope.From}, nil

	case TypeEnd:
		return EndEvent{From: envelope.From}, nil

	default:
		return nil, &ValidationError{Channel: "call", Type: envelope.Type, Reason: "unknown type"}
	}
}

func hasSignal(signal json.RawMessage) bool {
	return len(signal) > 0 && string(signal) != "null"
}
