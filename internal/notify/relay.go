package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/optionbot/internal/domain"
)

// Relay forwards position events from the bus to a Notifier.
type Relay struct {
	bus      domain.SignalBus
	notifier *Notifier
	logger   *slog.Logger
}

// NewRelay creates a Relay.
func NewRelay(bus domain.SignalBus, notifier *Notifier, logger *slog.Logger) *Relay {
	return &Relay{
		bus:      bus,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "notify_relay")),
	}
}

// Run subscribes to the positions channel and blocks until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	msgs, err := r.bus.Subscribe(ctx, domain.ChannelPositions)
	if err != nil {
		return fmt.Errorf("notify: subscribe %s: %w", domain.ChannelPositions, err)
	}
	r.logger.Info("notify relay started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-msgs:
			if !ok {
				return nil
			}
			r.handle(ctx, payload)
		}
	}
}

func (r *Relay) handle(ctx context.Context, payload []byte) {
	var evt domain.PositionEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		r.logger.WarnContext(ctx, "bad position event", slog.String("error", err.Error()))
		return
	}
	title, body := Format(evt)
	// Sender failures are logged by the notifier.
	_ = r.notifier.Notify(ctx, string(evt.Type), title, body)
}

// Format renders an event as a title and message body.
func Format(evt domain.PositionEvent) (string, string) {
	var title string
	switch evt.Type {
	case domain.EventPositionOpened:
		title = fmt.Sprintf("Entered %s %s", evt.IndexName, strings.ToUpper(evt.Direction))
	case domain.EventStrategicExit:
		title = fmt.Sprintf("Exited %s (%s)", evt.IndexName, evt.Reason)
	case domain.EventStopLossExit:
		title = fmt.Sprintf("Stop-loss hit on %s", evt.IndexName)
	case domain.EventOrderFailed:
		title = "Order failed"
	case domain.EventTradingDayClosed:
		return "Trading day closed", evt.Reason
	default:
		title = string(evt.Type)
	}

	var b strings.Builder
	if evt.TradingSymbol != "" {
		fmt.Fprintf(&b, "Symbol: %s\n", evt.TradingSymbol)
	}
	if !evt.Price.IsZero() {
		fmt.Fprintf(&b, "Price: %s\n", evt.Price.StringFixed(2))
	}
	if evt.Profit != nil {
		fmt.Fprintf(&b, "P&L: %s\n", evt.Profit.StringFixed(2))
	}
	if evt.Type == domain.EventOrderFailed && evt.Reason != "" {
		fmt.Fprintf(&b, "Error: %s\n", evt.Reason)
	}
	if evt.PositionID != "" {
		fmt.Fprintf(&b, "Position: %s", evt.PositionID)
	}
	return title, strings.TrimRight(b.String(), "\n")
}
