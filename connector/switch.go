package connector

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/netsys-lab/ilp-connector/accounts"
	"github.com/netsys-lab/ilp-connector/ilp"
	"github.com/netsys-lab/ilp-connector/middleware"
	"github.com/netsys-lab/ilp-connector/rate"
	"github.com/netsys-lab/ilp-connector/routing"
)

// EgressProvider hands the switch the composed outgoing-data chain of
// an account.
type EgressProvider interface {
	OutgoingData(accountID string) (middleware.DataHandler, bool)
}

// Switch forwards a single PREPARE end to end: route lookup, rate
// conversion, expiry shortening, egress dispatch and response
// validation. It owns no balance state; accounting lives in the
// middleware chains around it.
type Switch struct {
	ownAddress       ilp.Address
	registry         *accounts.Registry
	table            *routing.Table
	rates            rate.Backend
	egress           EgressProvider
	minMessageWindow time.Duration
	reflectPayments  bool
	now              func() time.Time
}

func NewSwitch(ownAddress ilp.Address, registry *accounts.Registry, table *routing.Table,
	rates rate.Backend, egress EgressProvider, minMessageWindow time.Duration, reflectPayments bool) *Switch {
	return &Switch{
		ownAddress:       ownAddress,
		registry:         registry,
		table:            table,
		rates:            rates,
		egress:           egress,
		minMessageWindow: minMessageWindow,
		reflectPayments:  reflectPayments,
		now:              time.Now,
	}
}

// ForwardPrepare implements the forwarding contract. Returned errors
// are *ilp.Error values for the error-handler middleware to
// materialize.
func (s *Switch) ForwardPrepare(ctx context.Context, ingressID string, prepare *ilp.Prepare) (*ilp.Response, error) {
	route, ok := s.table.Resolve(prepare.Destination)
	if !ok {
		return nil, ilp.Errf(ilp.CodeUnreachable, "no route to %s", prepare.Destination)
	}
	egressID := route.NextHop
	if egressID == ingressID && !s.reflectPayments {
		return nil, ilp.Errf(ilp.CodeUnreachable, "refusing to route back to sender")
	}

	ingress, ok := s.registry.Get(ingressID)
	if !ok {
		return nil, ilp.Errf(ilp.CodeInternalError, "unknown ingress account")
	}
	egressAccount, ok := s.registry.Get(egressID)
	if !ok {
		return nil, ilp.Errf(ilp.CodeUnreachable, "no route to %s", prepare.Destination)
	}

	quote, err := s.rates.Rate(ingress.AssetCode, egressAccount.AssetCode)
	if err != nil {
		return nil, ilp.Errf(ilp.CodeTemporaryFailure, "no rate from %s to %s", ingress.AssetCode, egressAccount.AssetCode)
	}
	outgoingAmount := rate.Apply(prepare.Amount, quote, ingress.AssetScale, egressAccount.AssetScale)
	if prepare.Amount > 0 && outgoingAmount == 0 {
		return nil, ilp.Errf(ilp.CodeInsufficientSource, "source amount too small after conversion")
	}

	outgoingExpiry := prepare.ExpiresAt.Add(-s.minMessageWindow)
	if !outgoingExpiry.After(s.now()) {
		return nil, ilp.Errf(ilp.CodeInsufficientTimeout, "insufficient timeout for another hop")
	}

	handler, ok := s.egress.OutgoingData(egressID)
	if !ok {
		return nil, ilp.Errf(ilp.CodeTemporaryFailure, "egress account %s not connected", egressID)
	}

	outgoing := &ilp.Prepare{
		Destination:        prepare.Destination,
		Amount:             outgoingAmount,
		ExecutionCondition: prepare.ExecutionCondition,
		ExpiresAt:          outgoingExpiry,
		Data:               prepare.Data,
	}
	log.Debugf("[Switch] forwarding %s: %d (%s) -> %d (%s) via %s",
		prepare.Destination, prepare.Amount, ingress.AssetCode, outgoingAmount, egressAccount.AssetCode, egressID)

	resp, err := handler(ctx, outgoing)
	if err != nil {
		return nil, err
	}
	if resp.Reject != nil {
		if resp.Reject.TriggeredBy == "" {
			resp.Reject.TriggeredBy = s.ownAddress
		}
		return resp, nil
	}
	if resp.Fulfill != nil {
		if !ilp.VerifyFulfillment(resp.Fulfill.Fulfillment, prepare.ExecutionCondition) {
			return nil, ilp.Errf(ilp.CodeWrongCondition, "fulfillment does not match condition")
		}
		return resp, nil
	}
	return nil, ilp.Errf(ilp.CodeInternalError, "empty response from egress")
}
