package mq

import "errors"

var (
	// ErrInvalidConsumer is returned when a consumer spec fails validation
	ErrInvalidConsumer = errors.New("mq: invalid consumer")
	// ErrInvalidTarget is returned when a publish target has an empty name
	ErrInvalidTarget = errors.New("mq: invalid publish target")
	// ErrRegistrySealed is returned when registering after binding started
	ErrRegistrySealed = errors.New("mq: registry is sealed")

	// ErrMalformedEnvelope is returned when a message body is not an envelope
	ErrMalformedEnvelope = errors.New("mq: malformed envelope")
	// ErrMalformedPayload is returned when the embedded payload is not valid
	ErrMalformedPayload = errors.New("mq: malformed payload")
	// ErrRetryExhausted marks a message dropped after reaching its retry limit
	ErrRetryExhausted = errors.New("mq: retry limit reached")
)
