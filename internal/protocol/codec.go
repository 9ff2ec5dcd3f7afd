package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformedMessage indicates the frame is not a valid envelope.
	ErrMalformedMessage = errors.New("protocol: malformed message")
	// ErrUnknownType indicates the envelope names a type clients may not send.
	ErrUnknownType = errors.New("protocol: unknown message type")
)

type envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

var inboundFactories = map[Type]func() Inbound{
	TypeSubscribeNote:      func() Inbound { return &SubscribeNote{} },
	TypeUnsubscribeNote:    func() Inbound { return &UnsubscribeNote{} },
	TypeRequestEditControl: func() Inbound { return &RequestEditControl{} },
	TypeGrantEditControl:   func() Inbound { return &GrantEditControl{} },
	TypeDenyEditControl:    func() Inbound { return &DenyEditControl{} },
	TypeReleaseEditControl: func() Inbound { return &ReleaseEditControl{} },
	TypeContentUpdate:      func() Inbound { return &ContentUpdate{} },
	TypeTypingStatus:       func() Inbound { return &TypingStatus{} },
	TypeHeartbeat:          func() Inbound { return &Heartbeat{} },
	TypeResync:             func() Inbound { return &Resync{} },
}

// DecodeInbound parses a client frame into its concrete message value.
// The returned type assertion targets are value types, e.g. SubscribeNote.
func DecodeInbound(frame []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	factory, ok := inboundFactories[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	message := factory()
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, message); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformedMessage, env.Type, err)
		}
	}
	return deref(message), nil
}

func deref(message Inbound) Inbound {
	switch typed := message.(type) {
	case *SubscribeNote:
		return *typed
	case *UnsubscribeNote:
		return *typed
	case *RequestEditControl:
		return *typed
	case *GrantEditControl:
		return *typed
	case *DenyEditControl:
		return *typed
	case *ReleaseEditControl:
		return *typed
	case *ContentUpdate:
		return *typed
	case *TypingStatus:
		return *typed
	case *Heartbeat:
		return *typed
	case *Resync:
		return *typed
	default:
		return message
	}
}

// EncodeEvent wraps an engine event in the wire envelope.
func EncodeEvent(event Event) ([]byte, error) {
	if event == nil {
		return nil, errors.New("protocol: nil event")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", event.Type(), err)
	}
	return json.Marshal(envelope{Type: event.Type(), Payload: payload})
}

// EncodeInbound wraps a client message in the wire envelope.
func EncodeInbound(message Inbound) ([]byte, error) {
	if message == nil {
		return nil, errors.New("protocol: nil message")
	}
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", message.Type(), err)
	}
	return json.Marshal(envelope{Type: message.Type(), Payload: payload})
}
