package mq

// Kind is the consumption topology of a consumer or publish target
type Kind int

const (
	// WorkQueue delivers each message to one of the consumers of a durable queue
	WorkQueue Kind = iota
	// Broadcast delivers every message to all bound consumers through a fanout exchange
	Broadcast
	// Topic delivers messages whose routing key matches the consumer's pattern
	Topic
)

// Kinds lists every consumption topology
var Kinds = []Kind{WorkQueue, Broadcast, Topic}

func (k Kind) String() string {
	switch k {
	case WorkQueue:
		return "workqueue"
	case Broadcast:
		return "broadcast"
	case Topic:
		return "topic"
	default:
		return "unknown"
	}
}

// Broadcast exchanges every service listens on.
const (
	ExchangeLogLevelChange       = "log_level_change"
	ExchangeManualServiceRefresh = "manual_service_refresh"
	ExchangeConfigRefreshWatch   = "config_refresh_watch"
)
