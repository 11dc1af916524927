// Copyright (c) AgentGate Authors.
// Licensed under the MIT License.

package notify

import (
	"context"

	"go.uber.org/zap"
)

// Notifier pushes one event to one user over an offline channel.
type Notifier interface {
	Notify(ctx context.Context, userID, event string, payload any) error
}

// Func adapts a plain function to the Notifier interface.
type Func func(ctx context.Context, userID, event string, payload any) error

// Notify implements Notifier.
func (f Func) Notify(ctx context.Context, userID, event string, payload any) error {
	return f(ctx, userID, event, payload)
}

// LogNotifier records every event in the structured log. It is the
// default sink for deployments without a mail or push integration.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a logging notifier. logger may be nil.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger.With(zap.String("component", "notify"))}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(ctx context.Context, userID, event string, payload any) error {
	n.logger.Info("user notification",
		zap.String("user_id", userID),
		zap.String("event", event),
		zap.Any("payload", payload))
	return nil
}

// Multi fans an event out to several notifiers, returning the first error
// after attempting all of them.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, userID, event string, payload any) error {
	var firstErr error
	for _, n := range m {
		if err := n.Notify(ctx, userID, event, payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
