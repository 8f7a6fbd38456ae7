package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"github.com/textsecure/message-delivery-service/internal/domain/model"
)

// Breaker shields a gateway behind a circuit breaker. A misbehaving
// gateway then fails fast as ErrGatewayTransient, which the fallback
// sweep already knows how to retry. Rejected-token errors never trip
// the breaker: they say nothing about gateway health.
type Breaker struct {
	next Sender
	cb   *gobreaker.CircuitBreaker
}

func NewBreaker(name string, next Sender, logger *slog.Logger) *Breaker {
	return &Breaker{
		next: next,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    name,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, model.ErrGatewayRejected)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("gateway breaker state change",
					"gateway", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

func (b *Breaker) Send(ctx context.Context, n Notification) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.next.Send(ctx, n)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s breaker open", model.ErrGatewayTransient, b.cb.Name())
	}
	return err
}
