package services

import (
	"context"
	"errors"
	"time"

	"ivrank-trader/interfaces"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// BreakerGateway wraps a MarketDataGateway with a circuit breaker. After
// maxFailures consecutive upstream failures calls fail fast until cooldown
// has passed. Empty results and cancellations do not count as failures.
type BreakerGateway struct {
	gateway interfaces.MarketDataGateway
	breaker *gobreaker.CircuitBreaker
}

// NewBreakerGateway creates a new breaker around gateway
func NewBreakerGateway(gateway interfaces.MarketDataGateway, maxFailures uint32, cooldown time.Duration, logger *logrus.Logger) *BreakerGateway {
	logger = ensureLogger(logger)
	if maxFailures == 0 {
		maxFailures = 5
	}

	settings := gobreaker.Settings{
		Name:        "market-data",
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, interfaces.ErrNoMarketData) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Market data circuit breaker changed state")
		},
	}

	return &BreakerGateway{
		gateway: gateway,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// GetLastPrice implements interfaces.MarketDataGateway
func (b *BreakerGateway) GetLastPrice(ctx context.Context, exchange, token string) (float64, error) {
	result, err := b.breaker.Execute(func() (interface{}, error) {
		return b.gateway.GetLastPrice(ctx, exchange, token)
	})
	if err != nil {
		return 0, err
	}
	return result.(float64), nil
}

// GetOptionChain implements interfaces.MarketDataGateway
func (b *BreakerGateway) GetOptionChain(ctx context.Context, index string, ltp float64, strikeWindow int) ([]interfaces.ChainEntry, error) {
	result, err := b.breaker.Execute(func() (interface{}, error) {
		return b.gateway.GetOptionChain(ctx, index, ltp, strikeWindow)
	})
	if err != nil {
		return nil, err
	}
	return result.([]interfaces.ChainEntry), nil
}

// GetGreeks implements interfaces.MarketDataGateway
func (b *BreakerGateway) GetGreeks(ctx context.Context, index string, expiry time.Time) ([]interfaces.GreeksRecord, error) {
	result, err := b.breaker.Execute(func() (interface{}, error) {
		return b.gateway.GetGreeks(ctx, index, expiry)
	})
	if err != nil {
		return nil, err
	}
	return result.([]interfaces.GreeksRecord), nil
}

// State returns the breaker's current state name
func (b *BreakerGateway) State() string {
	return b.breaker.State().String()
}
