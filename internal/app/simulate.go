package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"whale-alerts/internal/event"
	"whale-alerts/internal/tier"
)

// SimulateOptions describe a synthetic liquidity event.
type SimulateOptions struct {
	AmountUSD decimal.Decimal
	Kind      event.Kind
	Token0    string
	Token1    string
	TxHash    string
}

// SimulateAlert classifies a synthetic event and pushes it through the
// configured sinks without touching the record log.
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting is not enabled")
	}

	classifier, err := a.newClassifier()
	if err != nil {
		return err
	}

	ev := event.Classify(event.Raw{
		ID:           "simulated-" + uuid.NewString(),
		Timestamp:    time.Now().UTC().Unix(),
		MagnitudeUSD: opts.AmountUSD,
		Kind:         opts.Kind,
		Pool:         event.PoolRef{Token0: opts.Token0, Token1: opts.Token1},
		Tx:           event.TxRef{Hash: opts.TxHash},
	}, classifier)
	if ev.Tier == tier.None {
		return fmt.Errorf("amount %s is below the %s threshold %s",
			opts.AmountUSD.StringFixed(2), tier.Tier1.Label(), classifier.Floor().StringFixed(2))
	}

	msg := a.newRenderer().Render(ev)
	if err := a.newNotifier().Notify(ctx, msg); err != nil {
		return fmt.Errorf("dispatch simulated alert: %w", err)
	}
	a.Logger.Info().Str("tier", ev.Tier.Label()).Str("event_id", ev.ID).Msg("simulated alert sent")
	return nil
}
