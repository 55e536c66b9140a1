package middleware

import (
	"context"
	"encoding/binary"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/netsys-lab/ilp-connector/balance"
	"github.com/netsys-lab/ilp-connector/ilp"
)

// ErrorHandler is the outermost incoming middleware: any error leaving
// the chain is materialized as a REJECT triggered by this connector.
// Errors never escape to the peer link.
func ErrorHandler(ownAddress ilp.Address) Data {
	return Data{
		Name: "error-handler",
		Wrap: func(next DataHandler) DataHandler {
			return func(ctx context.Context, prepare *ilp.Prepare) (*ilp.Response, error) {
				resp, err := next(ctx, prepare)
				if err != nil {
					log.Debugf("[Middleware] converting error to reject: %v", err)
					return ilp.RejectResponse(ilp.RejectFrom(err, ownAddress)), nil
				}
				if resp == nil {
					return ilp.RejectResponse(&ilp.Reject{
						Code:        ilp.CodeInternalError,
						TriggeredBy: ownAddress,
						Message:     "no response produced",
					}), nil
				}
				return resp, nil
			}
		},
	}
}

// RateLimit drops packets when the account's token bucket runs dry.
func RateLimit(bucket *TokenBucket) Data {
	return Data{
		Name: "rate-limit",
		Wrap: func(next DataHandler) DataHandler {
			return func(ctx context.Context, prepare *ilp.Prepare) (*ilp.Response, error) {
				if !bucket.Take(1) {
					return nil, ilp.Errf(ilp.CodeRateLimited, "too many requests")
				}
				return next(ctx, prepare)
			}
		},
	}
}

// RateLimitMoney applies the same bucket to settlement messages.
func RateLimitMoney(bucket *TokenBucket) Money {
	return Money{
		Name: "rate-limit",
		Wrap: func(next MoneyHandler) MoneyHandler {
			return func(ctx context.Context, amount uint64) error {
				if !bucket.Take(1) {
					return ilp.Errf(ilp.CodeRateLimited, "too many requests")
				}
				return next(ctx, amount)
			}
		},
	}
}

// MaxPacketData encodes the F08 detail: actual and maximum amount.
func MaxPacketData(received, maximum uint64) []byte {
	data := make([]byte, 16)
	binary.BigEndian.PutUint64(data[:8], received)
	binary.BigEndian.PutUint64(data[8:], maximum)
	return data
}

// MaxPacket rejects prepares above the account's packet ceiling. A
// zero ceiling disables the check.
func MaxPacket(maxAmount uint64) Data {
	return Data{
		Name: "max-packet-amount",
		Wrap: func(next DataHandler) DataHandler {
			return func(ctx context.Context, prepare *ilp.Prepare) (*ilp.Response, error) {
				if maxAmount > 0 && prepare.Amount > maxAmount {
					err := ilp.Errf(ilp.CodeAmountTooLarge, "amount %d exceeds maximum %d", prepare.Amount, maxAmount)
					err.Data = MaxPacketData(prepare.Amount, maxAmount)
					return nil, err
				}
				return next(ctx, prepare)
			}
		},
	}
}

// Throughput caps forwarded value per second, in asset units.
func Throughput(bucket *TokenBucket) Data {
	return Data{
		Name: "throughput",
		Wrap: func(next DataHandler) DataHandler {
			return func(ctx context.Context, prepare *ilp.Prepare) (*ilp.Response, error) {
				if !bucket.Take(prepare.Amount) {
					return nil, ilp.Errf(ilp.CodeInsufficientLiquidity, "throughput limit exceeded")
				}
				return next(ctx, prepare)
			}
		},
	}
}

// Expire bounds the time the rest of the chain may take by the
// packet's own expiry: when it passes, the caller gets R00 even if the
// downstream is still slow. The late response is discarded.
func Expire() Data {
	return Data{
		Name: "expire",
		Wrap: func(next DataHandler) DataHandler {
			return func(ctx context.Context, prepare *ilp.Prepare) (*ilp.Response, error) {
				wait := time.Until(prepare.ExpiresAt)
				if wait <= 0 {
					return nil, ilp.Errf(ilp.CodeTransferTimedOut, "transfer expired")
				}
				subCtx, cancel := context.WithDeadline(ctx, prepare.ExpiresAt)
				defer cancel()
				type outcome struct {
					resp *ilp.Response
					err  error
				}
				done := make(chan outcome, 1)
				go func() {
					resp, err := next(subCtx, prepare)
					done <- outcome{resp, err}
				}()
				select {
				case out := <-done:
					return out.resp, out.err
				case <-subCtx.Done():
					return nil, ilp.Errf(ilp.CodeTransferTimedOut, "transfer timed out")
				}
			}
		},
	}
}

// ValidateFulfillment turns a fulfill whose preimage does not hash to
// the condition into F05.
func ValidateFulfillment() Data {
	return Data{
		Name: "validate-fulfillment",
		Wrap: func(next DataHandler) DataHandler {
			return func(ctx context.Context, prepare *ilp.Prepare) (*ilp.Response, error) {
				resp, err := next(ctx, prepare)
				if err != nil || resp == nil || resp.Fulfill == nil {
					return resp, err
				}
				if !ilp.VerifyFulfillment(resp.Fulfill.Fulfillment, prepare.ExecutionCondition) {
					return nil, ilp.Errf(ilp.CodeWrongCondition, "fulfillment does not match condition")
				}
				return resp, err
			}
		},
	}
}

// BalanceIncoming accounts an ingress prepare: the peer's credit grows
// optimistically and is reverted unless the packet fulfills.
func BalanceIncoming(tracker *balance.Tracker) Data {
	return Data{
		Name: "balance",
		Wrap: func(next DataHandler) DataHandler {
			return func(ctx context.Context, prepare *ilp.Prepare) (*ilp.Response, error) {
				if prepare.Amount == 0 {
					return next(ctx, prepare)
				}
				if err := tracker.AddBalance(prepare.Amount); err != nil {
					return nil, ilp.Errf(ilp.CodeInsufficientLiquidity, "exceeded maximum balance")
				}
				resp, err := next(ctx, prepare)
				if err != nil || resp == nil || resp.Fulfill == nil {
					tracker.ForceSub(prepare.Amount)
				}
				return resp, err
			}
		},
	}
}

// BalanceOutgoing accounts an egress prepare: the debit is taken
// optimistically and restored unless the packet fulfills.
func BalanceOutgoing(tracker *balance.Tracker) Data {
	return Data{
		Name: "balance",
		Wrap: func(next DataHandler) DataHandler {
			return func(ctx context.Context, prepare *ilp.Prepare) (*ilp.Response, error) {
				if prepare.Amount == 0 {
					return next(ctx, prepare)
				}
				if err := tracker.SubBalance(prepare.Amount); err != nil {
					return nil, ilp.Errf(ilp.CodeInsufficientLiquidity, "insufficient liquidity on egress account")
				}
				resp, err := next(ctx, prepare)
				if err != nil || resp == nil || resp.Fulfill == nil {
					tracker.ForceAdd(prepare.Amount)
				} else {
					tracker.AddOwed(prepare.Amount)
				}
				return resp, err
			}
		},
	}
}

// BalanceIncomingMoney credits the peer for settlement received over
// the link.
func BalanceIncomingMoney(tracker *balance.Tracker) Money {
	return Money{
		Name: "balance",
		Wrap: func(next MoneyHandler) MoneyHandler {
			return func(ctx context.Context, amount uint64) error {
				if amount > 0 {
					if err := tracker.SubBalance(amount); err != nil {
						return err
					}
				}
				return next(ctx, amount)
			}
		},
	}
}
