package notify

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/rl1809/stock-deduction/internal/port"
)

// LogNotifier writes events to the log. It is the default when no broker
// is configured.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, event port.EventType, payload any) error {
	n.logger.Info("event", zap.String("event", string(event)), zap.Any("payload", payload))
	return nil
}

// Multi fans an event out to every notifier and joins their errors.
type Multi []port.Notifier

func (m Multi) Notify(ctx context.Context, event port.EventType, payload any) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, event, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
