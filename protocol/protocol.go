package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"

	"peerchat/models"
)

// Chat channel envelope types.
const (
	TypeMessage      = "message"
	TypeNewMessage   = "new_message"
	TypeMessageSent  = "message_sent"
	TypeStatusUpdate = "status_update"
)

// Signaling channel envelope types.
const (
	TypeSignal      = "signal"
	TypeVideoCall   = "video-call"
	TypeAcceptCall  = "accept-call"
	TypeDeclineCall = "decline-call"
	TypeEnd         = "end"
)

// ChatEnvelope is the raw chat wire format shared by all chat types.
type ChatEnvelope struct {
	Type            string `json:"type"`
	SenderID        int64  `json:"senderId,omitempty"`
	ReceiverID      int64  `json:"receiverId,omitempty"`
	Body            string `json:"body,omitempty"`
	AESKeySender    string `json:"aesKeySender,omitempty"`
	AESKeyReceiver  string `json:"aesKeyReceiver,omitempty"`
	MessageID       int64  `json:"messageId,omitempty"`
	CorrelationID   string `json:"correlationId,omitempty"`
	State           string `json:"state,omitempty"`
	ExpiredAt       string `json:"expiredAt,omitempty"`
	FileAttachments string `json:"fileAttachments,omitempty"`
}

// CallEnvelope is the raw signaling wire format.
type CallEnvelope struct {
	Type   string          `json:"type"`
	Signal json.RawMessage `json:"signal"`
	From   int64           `json:"from,omitempty"`
	To     int64           `json:"to,omitempty"`
}

// UnmarshalJSON accepts from/to as either JSON numbers or their string
// form; web clients send peer ids as strings.
func (e *CallEnvelope) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type   string          `json:"type"`
		Signal json.RawMessage `json:"signal"`
		From   json.RawMessage `json:"from"`
		To     json.RawMessage `json:"to"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	from, err := parsePeerID(raw.From)
	if err != nil {
		return fmt.Errorf("parse from: %w", err)
	}
	to, err := parsePeerID(raw.To)
	if err != nil {
		return fmt.Errorf("parse to: %w", err)
	}

	e.Type = raw.Type
	e.Signal = raw.Signal
	e.From = from
	e.To = to
	return nil
}

func parsePeerID(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}

	var id int64
	if err := json.Unmarshal(raw, &id); err == nil {
		return id, nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return 0, fmt.Errorf("peer id is neither number nor string: %s", raw)
	}
	if text == "" {
		return 0, nil
	}
	return strconv.ParseInt(text, 10, 64)
}

// EncodeJSON marshals a wire envelope.
func EncodeJSON(envelope any) ([]byte, error) {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return payload, nil
}

// EncodeAttachments serializes an attachment list into the wire's embedded
// JSON string form.
func EncodeAttachments(attachments []models.Attachment) (string, error) {
	if len(attachments) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(attachments)
	if err != nil {
		return "", fmt.Errorf("marshal attachments: %w", err)
	}
	return string(raw), nil
}

// DecodeAttachments parses the wire's embedded attachment JSON string.
func DecodeAttachments(encoded string) ([]models.Attachment, error) {
	if encoded == "" || encoded == "null" {
		return nil, nil
	}
	var attachments []models.Attachment
	if err := json.Unmarshal([]byte(encoded), &attachments); err != nil {
		return nil, fmt.Errorf("parse attachments: %w", err)
	}
	return attachments, nil
}
