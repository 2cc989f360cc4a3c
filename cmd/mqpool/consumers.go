package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/glimte/mqpool/mq"
)

// consumerSpecs returns the well-known broadcast consumers followed by one
// logging consumer per work queue and topic flag.
func consumerSpecs(opts *options, workQueues, topics []string) ([]*mq.ConsumerSpec, error) {
	logger := opts.logger

	broadcasts := []struct {
		exchange string
		handler  mq.Handler
	}{
		{mq.ExchangeLogLevelChange, logLevelHandler(opts.level, logger)},
		{mq.ExchangeManualServiceRefresh, noticeHandler(logger, "manual service refresh requested")},
		{mq.ExchangeConfigRefreshWatch, noticeHandler(logger, "config refresh notified")},
	}

	var specs []*mq.ConsumerSpec
	for _, b := range broadcasts {
		spec, err := mq.NewBroadcastConsumer(b.exchange, b.handler)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}

	for _, route := range workQueues {
		spec, err := mq.NewWorkQueueConsumer(route, noticeHandler(logger, "message received"))
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}

	for _, t := range topics {
		exchange, pattern, ok := strings.Cut(t, ":")
		if !ok {
			return nil, fmt.Errorf("topic %q is not exchange:pattern: %w", t, mq.ErrInvalidConsumer)
		}
		spec, err := mq.NewTopicConsumer(exchange, pattern, noticeHandler(logger, "message received"))
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// logLevelHandler sets level from a payload such as "debug". An unknown
// level is logged and acknowledged since redelivery cannot fix it.
func logLevelHandler(level *slog.LevelVar, logger *slog.Logger) mq.Handler {
	return mq.Typed(func(_ context.Context, name string) bool {
		var next slog.Level
		if err := next.UnmarshalText([]byte(name)); err != nil {
			logger.Warn("ignoring log level change", "level", name, "error", err)
			return true
		}
		prev := level.Level()
		level.Set(next)
		logger.Info("log level changed", "from", prev.String(), "to", next.String())
		return true
	})
}

func noticeHandler(logger *slog.Logger, msg string) mq.Handler {
	return mq.HandlerFunc(func(_ context.Context, payload json.RawMessage) bool {
		logger.Info(msg, "payload", string(payload))
		return true
	})
}
