package apns

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MaxPayloadSize is the maximum allowed length in bytes of an encoded
// notification payload.
const MaxPayloadSize = 4096

// Priority of notification delivery.
type Priority uint8

// Notification delivery priorities.
const (
	// PriorityDefault lets the gateway choose (treated as immediate).
	PriorityDefault Priority = 0
	// PriorityConservePower delivers at a time that takes into account
	// power considerations for the device.
	PriorityConservePower Priority = 5
	// PriorityImmediate delivers immediately.
	PriorityImmediate Priority = 10
)

// Notification describes a single push notification.
type Notification struct {
	// Token is the hex-encoded device token (required).
	Token string
	// Topic of the remote notification. May be left empty when the client
	// identity is authorized for a single topic only; identities with
	// multiple topics must always specify one.
	Topic string
	// Payload of the notification. May be a map or struct (marshaled to
	// JSON), a []byte, a string or a json.RawMessage with ready-made JSON.
	// The object must contain at least an "aps" dictionary.
	Payload interface{}
	// Expiration is the time until which the gateway stores and retries
	// delivery. The zero time means the notification is delivered once,
	// immediately, and not stored.
	Expiration time.Time
	// Priority of delivery.
	Priority Priority
	// ID is a canonical UUID identifying the notification. Generated
	// automatically when empty.
	ID string
}

// WithToken returns a copy of the notification addressed to the given
// device token. It makes fanning the same content out to many devices
// cheap: the shared payload is not copied.
func (n Notification) WithToken(token string) Notification {
	n.Token = token
	n.ID = ""
	return n
}

// payload returns the JSON-encoded body of the notification.
func (n Notification) payload() ([]byte, error) {
	var data []byte
	switch p := n.Payload.(type) {
	case nil:
		return nil, ErrPayloadEmpty
	case []byte:
		data = p
	case json.RawMessage:
		data = p
	case string:
		data = []byte(p)
	default:
		var err error
		if data, err = json.Marshal(p); err != nil {
			return nil, err
		}
	}
	if len(data) == 0 {
		return nil, ErrPayloadEmpty
	}
	if len(data) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}
	return data, nil
}

// Valid checks the notification fields that can be rejected before the
// request is built: the device token and the payload.
func (n Notification) Valid() error {
	if n.Token == "" {
		return ErrTokenEmpty
	}
	if _, err := hex.DecodeString(n.Token); err != nil {
		return ErrTokenBad
	}
	_, err := n.payload()
	return err
}

// id returns the notification identifier, generating a new UUID when the
// caller did not assign one.
func (n Notification) id() string {
	if n.ID != "" {
		return n.ID
	}
	return uuid.NewString()
}
