package protocol

import "strings"

const (
	// MaxFrameSize bounds how many bytes a single pending JSON object may
	// occupy before the stream is considered corrupted.
	MaxFrameSize = 1 << 20

	// FrameTerminator is appended to every encoded frame. Decoders treat it
	// as insignificant whitespace.
	FrameTerminator byte = '\n'
)

// FrameType is the value of the reserved "type" field of handshake frames.
type FrameType string

const (
	// TypeHandshake is sent by the connecting side to identify itself.
	TypeHandshake FrameType = "handshake"
	// TypeHandshakeAck is the accepting side's answer to a handshake.
	TypeHandshakeAck FrameType = "handshake_ack"
)

// AckStatus reports the outcome of a handshake.
type AckStatus string

const (
	StatusAccepted AckStatus = "accepted"
	StatusRejected AckStatus = "rejected"
)

// Message is a single application-level JSON object. Its shape is a contract
// between the collaborating UIs, typically {"command": ..., "value": ...}.
type Message map[string]any

// Handshake is the first frame written by the side that opens a connection.
type Handshake struct {
	Type  FrameType `json:"type"`
	UIID  string    `json:"ui_id"`
	Token string    `json:"token,omitempty"`
}

// HandshakeAck is the reply to a Handshake. On acceptance UIID carries the
// responder's own identity.
type HandshakeAck struct {
	Type   FrameType `json:"type"`
	Status AckStatus `json:"status"`
	UIID   string    `json:"ui_id"`
	Token  string    `json:"token,omitempty"`
	Reason string    `json:"reason,omitempty"`
}

// IsHandshake reports whether msg is one of the reserved handshake frames.
func IsHandshake(msg Message) bool {
	t, ok := msg["type"].(string)
	return ok && strings.HasPrefix(t, string(TypeHandshake))
}

// ParseHandshake interprets msg as a handshake request.
func ParseHandshake(msg Message) (Handshake, bool) {
	t, _ := msg["type"].(string)
	if FrameType(t) != TypeHandshake {
		return Handshake{}, false
	}
	id, ok := msg["ui_id"].(string)
	if !ok || id == "" {
		return Handshake{}, false
	}
	token, _ := msg["token"].(string)
	return Handshake{Type: TypeHandshake, UIID: id, Token: token}, true
}

// ParseHandshakeAck interprets msg as a handshake response.
func ParseHandshakeAck(msg Message) (HandshakeAck, bool) {
	t, _ := msg["type"].(string)
	if FrameType(t) != TypeHandshakeAck {
		return HandshakeAck{}, false
	}
	status, _ := msg["status"].(string)
	if AckStatus(status) != StatusAccepted && AckStatus(status) != StatusRejected {
		return HandshakeAck{}, false
	}
	ack := HandshakeAck{Type: TypeHandshakeAck, Status: AckStatus(status)}
	ack.UIID, _ = msg["ui_id"].(string)
	ack.Token, _ = msg["token"].(string)
	ack.Reason, _ = msg["reason"].(string)
	return ack, true
}
