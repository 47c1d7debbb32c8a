package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMessageType indicates the envelope type discriminator is missing or unknown.
	ErrMessageType = errors.New("field 'type' is invalid or non-existent")
	// ErrInvalidData indicates envelope fields fail the declared schema.
	ErrInvalidData = errors.New("invalid data provided")
	// ErrDelivery indicates a room handler did not recognize a delivered kind.
	ErrDelivery = errors.New("unsupported kind for room")
)

// MessageKind is the closed set of envelope discriminators exchanged
// over a socket. New kinds require an enum addition here plus a schema
// entry; there is no runtime registration.
type MessageKind string

const (
	// KindChatMessage carries one chat room message body.
	KindChatMessage MessageKind = "chat_message"
	// KindChatNotification notifies a user about a chat message elsewhere.
	KindChatNotification MessageKind = "chat_notification"
	// KindNotifyUser carries a generic domain-event notification.
	KindNotifyUser MessageKind = "notify_user"
	// KindNotificationAck acknowledges one notification for the sender.
	KindNotificationAck MessageKind = "notification_ack"
	// KindClientError reports an inbound validation failure to the client.
	KindClientError MessageKind = "client_error"
	// KindServerError reports a server-side envelope defect to the client.
	KindServerError MessageKind = "server_error"
)

// Envelope is one wire message: a flat JSON object with a type
// discriminator and kind-specific fields.
type Envelope struct {
	Type           MessageKind    `json:"type"`
	Message        string         `json:"message,omitempty"`
	NotificationID string         `json:"notification_id,omitempty"`
	Initiator      *NamespaceInfo `json:"initiator,omitempty"`
	CreatedAt      string         `json:"created_at,omitempty"`
	MessageID      string         `json:"message_id,omitempty"`
}

type fieldType int

const (
	fieldString fieldType = iota
	fieldObject
)

type fieldSpec struct {
	name string
	typ  fieldType
}

// requiredFields returns the schema for one kind. The false return marks
// an unknown discriminator.
func requiredFields(kind MessageKind) ([]fieldSpec, bool) {
	switch kind {
	case KindChatMessage:
		return []fieldSpec{{"message", fieldString}}, true
	case KindChatNotification:
		return []fieldSpec{
			{"notification_id", fieldString},
			{"initiator", fieldObject},
			{"message", fieldString},
			{"created_at", fieldString},
			{"message_id", fieldString},
		}, true
	case KindNotifyUser:
		return []fieldSpec{
			{"notification_id", fieldString},
			{"initiator", fieldObject},
			{"message", fieldString},
			{"created_at", fieldString},
		}, true
	case KindNotificationAck:
		return []fieldSpec{{"notification_id", fieldString}}, true
	case KindClientError, KindServerError:
		return []fieldSpec{{"message", fieldString}}, true
	default:
		return nil, false
	}
}

// Validate checks one raw frame against the schema registry and decodes
// it. Missing or unknown type yields ErrMessageType; a known type with
// missing or mistyped fields yields ErrInvalidData.
func Validate(raw []byte) (Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Envelope{}, fmt.Errorf("%w: not a JSON object", ErrInvalidData)
	}

	rawType, ok := fields["type"]
	if !ok {
		return Envelope{}, ErrMessageType
	}
	var kind MessageKind
	if err := json.Unmarshal(rawType, &kind); err != nil {
		return Envelope{}, ErrMessageType
	}

	specs, known := requiredFields(kind)
	if !known {
		return Envelope{}, fmt.Errorf("%w: unknown type %q", ErrMessageType, kind)
	}
	for _, spec := range specs {
		value, present := fields[spec.name]
		if !present {
			return Envelope{}, fmt.Errorf("%w: missing field %q", ErrInvalidData, spec.name)
		}
		if !matchesFieldType(value, spec.typ) {
			return Envelope{}, fmt.Errorf("%w: field %q has wrong type", ErrInvalidData, spec.name)
		}
	}

	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return envelope, nil
}

// ValidateOutbound re-checks a server-built envelope before publish. A
// failure here is a programming or data defect, never client input.
func ValidateOutbound(envelope Envelope) error {
	raw, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	_, err = Validate(raw)
	return err
}

func matchesFieldType(raw json.RawMessage, typ fieldType) bool {
	switch typ {
	case fieldObject:
		var object map[string]json.RawMessage
		return json.Unmarshal(raw, &object) == nil
	default:
		var value string
		return json.Unmarshal(raw, &value) == nil
	}
}

// NewChatMessage builds the chat room broadcast envelope.
func NewChatMessage(message string) Envelope {
	return Envelope{Type: KindChatMessage, Message: message}
}

// NewNotifyUser builds the generic notification push envelope.
func NewNotifyUser(notificationID string, initiator NamespaceInfo, message string, createdAt time.Time) Envelope {
	return Envelope{
		Type:           KindNotifyUser,
		NotificationID: notificationID,
		Initiator:      &initiator,
		Message:        message,
		CreatedAt:      createdAt.UTC().Format(time.RFC3339),
	}
}

// NewChatNotification builds the chat-specific notification push envelope.
func NewChatNotification(notificationID string, initiator NamespaceInfo, message string, createdAt time.Time, messageID string) Envelope {
	envelope := NewNotifyUser(notificationID, initiator, message, createdAt)
	envelope.Type = KindChatNotification
	envelope.MessageID = messageID
	return envelope
}

// NewClientError builds the reply for an inbound validation failure.
func NewClientError(message string) Envelope {
	return Envelope{Type: KindClientError, Message: message}
}

// NewServerError builds the terminal reply for a server-side defect.
func NewServerError(message string) Envelope {
	return Envelope{Type: KindServerError, Message: message}
}
