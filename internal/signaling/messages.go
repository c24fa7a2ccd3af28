package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/peermesh/peermesh/internal/coordinator"
)

type messageType string

const (
	messageTypeAuth   messageType = "auth"
	messageTypeReady  messageType = "ready"
	messageTypeSignal messageType = "signal"

	messageTypeConnect messageType = "connect"
	messageTypeUsers   messageType = "users"
	messageTypeError   messageType = "error"
)

// clientMessage is the envelope for client-to-server events. Decoding is
// strict: unknown fields, trailing data and fields that don't belong to the
// declared type are all rejected.
type clientMessage struct {
	Type messageType `json:"type"`

	// ready
	Room   string `json:"room,omitempty"`
	UserID string `json:"userId,omitempty"`

	// signal reuses UserID as the addressee. Signal is relayed opaque.
	Signal json.RawMessage `json:"signal,omitempty"`

	// auth
	APIKey string `json:"apiKey,omitempty"`
}

func parseClientMessage(data []byte) (clientMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg clientMessage
	if err := dec.Decode(&msg); err != nil {
		return clientMessage{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return clientMessage{}, fmt.Errorf("unexpected trailing data")
	}
	if err := msg.validate(); err != nil {
		return clientMessage{}, err
	}
	return msg, nil
}

func (m clientMessage) validate() error {
	switch m.Type {
	case messageTypeAuth:
		if m.APIKey == "" {
			return fmt.Errorf("auth message missing apiKey")
		}
		if m.Room != "" || m.UserID != "" || m.Signal != nil {
			return fmt.Errorf("auth message has unexpected fields")
		}
	case messageTypeReady:
		if m.Room == "" {
			return fmt.Errorf("ready message missing room")
		}
		if m.UserID == "" {
			return fmt.Errorf("ready message missing userId")
		}
		if m.Signal != nil || m.APIKey != "" {
			return fmt.Errorf("ready message has unexpected fields")
		}
	case messageTypeSignal:
		if m.UserID == "" {
			return fmt.Errorf("signal message missing userId")
		}
		if len(m.Signal) == 0 {
			return fmt.Errorf("signal message missing signal")
		}
		if m.Room != "" || m.APIKey != "" {
			return fmt.Errorf("signal message has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

// serverMessage is the envelope for server-to-client events.
type serverMessage struct {
	Type messageType `json:"type"`

	// connect
	SocketID string `json:"socketId,omitempty"`

	// users
	Initiator string             `json:"initiator,omitempty"`
	Users     []coordinator.User `json:"users,omitempty"`

	// signal
	UserID string          `json:"userId,omitempty"`
	Signal json.RawMessage `json:"signal,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// encodeOutbound converts one coordinator effect into its wire form.
func encodeOutbound(event string, payload any) (serverMessage, error) {
	switch event {
	case coordinator.EventConnect:
		p, ok := payload.(coordinator.ConnectPayload)
		if !ok {
			return serverMessage{}, fmt.Errorf("connect event with payload %T", payload)
		}
		return serverMessage{Type: messageTypeConnect, SocketID: p.SocketID}, nil
	case coordinator.EventUsers:
		p, ok := payload.(coordinator.UsersPayload)
		if !ok {
			return serverMessage{}, fmt.Errorf("users event with payload %T", payload)
		}
		return serverMessage{Type: messageTypeUsers, Initiator: p.Initiator, Users: p.Users}, nil
	case coordinator.EventSignal:
		p, ok := payload.(coordinator.SignalPayload)
		if !ok {
			return serverMessage{}, fmt.Errorf("signal event with payload %T", payload)
		}
		return serverMessage{Type: messageTypeSignal, UserID: p.UserID, Signal: p.Signal}, nil
	default:
		return serverMessage{}, fmt.Errorf("unsupported outbound event %q", event)
	}
}

func errorMessage(code, message string) serverMessage {
	return serverMessage{Type: messageTypeError, Code: code, Message: message}
}
