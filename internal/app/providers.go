package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/transfa/payout-service/internal/domain"
	"github.com/transfa/payout-service/pkg/railclient"
)

// RailProvider is the provider surface the engine needs from each rail.
type RailProvider interface {
	CreateRecipient(ctx context.Context, req railclient.CreateRecipientRequest) (*railclient.Recipient, error)
	CreateTransfer(ctx context.Context, req railclient.CreateTransferRequest) (*railclient.Transfer, error)
	GetTransfer(ctx context.Context, transferID string) (*railclient.Transfer, error)
}

// Providers maps each rail to its client.
type Providers map[domain.Rail]RailProvider

func (p Providers) For(rail domain.Rail) (RailProvider, error) {
	provider, ok := p[rail]
	if !ok || provider == nil {
		return nil, fmt.Errorf("no provider configured for rail %q", rail)
	}
	return &instrumentedProvider{rail: rail, next: provider}, nil
}

// instrumentedProvider records call counts and latency per rail and operation.
type instrumentedProvider struct {
	rail domain.Rail
	next RailProvider
}

func (p *instrumentedProvider) CreateRecipient(ctx context.Context, req railclient.CreateRecipientRequest) (*railclient.Recipient, error) {
	done := p.observe("create_recipient")
	recipient, err := p.next.CreateRecipient(ctx, req)
	done(err)
	return recipient, err
}

func (p *instrumentedProvider) CreateTransfer(ctx context.Context, req railclient.CreateTransferRequest) (*railclient.Transfer, error) {
	done := p.observe("create_transfer")
	transfer, err := p.next.CreateTransfer(ctx, req)
	done(err)
	return transfer, err
}

func (p *instrumentedProvider) GetTransfer(ctx context.Context, transferID string) (*railclient.Transfer, error) {
	done := p.observe("get_transfer")
	transfer, err := p.next.GetTransfer(ctx, transferID)
	done(err)
	return transfer, err
}

func (p *instrumentedProvider) observe(op string) func(error) {
	timer := prometheus.NewTimer(providerCallDuration.WithLabelValues(string(p.rail), op))
	return func(err error) {
		timer.ObserveDuration()
		outcome := "ok"
		switch {
		case err == nil:
		case IsRetryable(err):
			outcome = "transient"
		default:
			outcome = "terminal"
		}
		providerCallsTotal.WithLabelValues(string(p.rail), op, outcome).Inc()
	}
}

// MapProviderState translates a rail's raw transfer state into a payout status. The
// boolean is false for states this service does not act on.
func MapProviderState(state string) (domain.PayoutStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "outgoing_payment_sent", "paid", "completed", "succeeded":
		return domain.StatusCompleted, true
	case "funds_refunded", "bounced_back", "cancelled", "canceled", "charged_back", "failed":
		return domain.StatusFailed, true
	case "processing", "funds_converted", "incoming_payment_waiting", "pending", "in_transit":
		return domain.StatusProcessing, true
	default:
		return "", false
	}
}
