package router

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"counselbot/internal/models"
)

// Sender pushes one message to the chat transport.
type Sender interface {
	Send(ctx context.Context, out Outbound) error
}

const defaultSendTimeout = 10 * time.Second

// Deliverer sends router output. Failures are logged and never undo what the
// router already persisted.
type Deliverer struct {
	sender  Sender
	timeout time.Duration
}

func NewDeliverer(sender Sender, timeout time.Duration) *Deliverer {
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	return &Deliverer{sender: sender, timeout: timeout}
}

// Deliver sends outs in order and returns how many failed.
func (d *Deliverer) Deliver(ctx context.Context, outs []Outbound) int {
	failed := 0
	for _, out := range outs {
		err := d.send(ctx, out)
		if err == nil {
			continue
		}
		failed++
		slog.WarnContext(ctx, "outbound send failed",
			"kind", out.Kind.String(), "recipient_id", out.RecipientID, "error", err)
		if out.OnFailure != nil {
			if err := d.send(ctx, *out.OnFailure); err != nil {
				slog.WarnContext(ctx, "failure notice not sent", "recipient_id", out.OnFailure.RecipientID, "error", err)
			}
		}
	}
	return failed
}

func (d *Deliverer) send(ctx context.Context, out Outbound) error {
	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.sender.Send(sendCtx, out); err != nil {
		return fmt.Errorf("%w: send %s to %d: %w", models.ErrTransport, out.Kind, out.RecipientID, err)
	}
	return nil
}

// Pipeline routes an event and delivers the result.
type Pipeline struct {
	Router    *Router
	Deliverer *Deliverer
}

func (p *Pipeline) Process(ctx context.Context, ev Event) {
	p.Deliverer.Deliver(ctx, p.Router.Handle(ctx, ev))
}
