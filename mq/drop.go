package mq

import (
	"context"
	"time"
)

// DroppedMessage is a delivery acknowledged without being handled
type DroppedMessage struct {
	GUID       string
	Consumer   string
	Queue      string
	Exchange   string
	RoutingKey string
	Retry      int
	Reason     string
	Body       []byte
	DroppedAt  time.Time
}

// DropRecorder keeps a record of dropped deliveries for later inspection
type DropRecorder interface {
	Record(ctx context.Context, msg DroppedMessage) error
}

// DropRecorderFunc adapts a function to the DropRecorder interface
type DropRecorderFunc func(ctx context.Context, msg DroppedMessage) error

// Record implements DropRecorder
func (f DropRecorderFunc) Record(ctx context.Context, msg DroppedMessage) error {
	return f(ctx, msg)
}
