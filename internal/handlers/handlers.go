package handlers

import (
	"context"
	"fmt"

	"github.com/artpromedia/payhook/internal/dispatch"
	"github.com/artpromedia/payhook/internal/event"
	"github.com/artpromedia/payhook/internal/log"

	"go.uber.org/zap"
)

// Deps carries the collaborators handlers need. Business services (escrow,
// subscriptions, CRM) hang off this struct as the platform grows.
type Deps struct {
	Logger *log.Logger
}

// Register binds the marketplace's billing handlers. Called once from main.
func Register(r *dispatch.Registry, deps Deps) error {
	bindings := map[string]dispatch.Handler{
		"payment_intent.succeeded":      paymentIntentSucceeded(deps),
		"payout.paid":                   payoutPaid(deps),
		"customer.subscription.updated": subscriptionUpdated(deps),
	}
	for eventType, h := range bindings {
		if err := r.Register(eventType, h); err != nil {
			return fmt.Errorf("register handlers: %w", err)
		}
	}
	return nil
}

func paymentIntentSucceeded(deps Deps) dispatch.Handler {
	return func(ctx context.Context, evt event.Event) error {
		var intent struct {
			ID       string `json:"id"`
			Amount   int64  `json:"amount"`
			Currency string `json:"currency"`
		}
		if err := evt.Object(&intent); err != nil {
			return err
		}
		deps.Logger.Info("Payment captured",
			zap.String("payment_intent", intent.ID),
			zap.Int64("amount", intent.Amount),
			zap.String("currency", intent.Currency))
		return nil
	}
}

func payoutPaid(deps Deps) dispatch.Handler {
	return func(ctx context.Context, evt event.Event) error {
		var payout struct {
			ID     string `json:"id"`
			Amount int64  `json:"amount"`
		}
		if err := evt.Object(&payout); err != nil {
			return err
		}
		deps.Logger.Info("Payout settled",
			zap.String("payout", payout.ID),
			zap.Int64("amount", payout.Amount))
		return nil
	}
}

func subscriptionUpdated(deps Deps) dispatch.Handler {
	return func(ctx context.Context, evt event.Event) error {
		var sub struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		}
		if err := evt.Object(&sub); err != nil {
			return err
		}
		deps.Logger.Info("Subscription updated",
			zap.String("subscription", sub.ID),
			zap.String("status", sub.Status))
		return nil
	}
}
