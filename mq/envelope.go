package mq

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Envelope wraps a payload on the wire.
//
// JSONContent holds the payload as a JSON document encoded into a string, so
// the envelope can be decoded without knowing the payload type.
type Envelope struct {
	GUID         string    `json:"guid"`
	Timespan     time.Time `json:"timespan"`
	CurrentRetry int       `json:"current_retry"`
	JSONContent  string    `json:"json_content"`
}

// NewEnvelope serializes payload into a fresh envelope. A json.RawMessage or
// []byte payload is embedded as is once it is checked to be valid JSON.
func NewEnvelope(payload any) (*Envelope, error) {
	var content []byte
	switch p := payload.(type) {
	case json.RawMessage:
		content = p
	case []byte:
		content = p
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		content = data
	}

	if !json.Valid(content) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", ErrMalformedPayload)
	}

	return &Envelope{
		GUID:        newGUID(),
		Timespan:    time.Now().UTC(),
		JSONContent: string(content),
	}, nil
}

// DecodeEnvelope parses a message body
func DecodeEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.GUID == "" {
		return nil, fmt.Errorf("%w: missing guid", ErrMalformedEnvelope)
	}
	return &env, nil
}

// Marshal encodes the envelope for publishing
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Payload returns the embedded JSON document
func (e *Envelope) Payload() (json.RawMessage, error) {
	if e.JSONContent == "" || !json.Valid([]byte(e.JSONContent)) {
		return nil, fmt.Errorf("%w: envelope %s does not carry valid JSON", ErrMalformedPayload, e.GUID)
	}
	return json.RawMessage(e.JSONContent), nil
}

func newGUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
