package services

import (
	"errors"
	"fmt"
	"math"
	"time"

	"ivrank-trader/interfaces"

	"github.com/sirupsen/logrus"
)

var (
	// ErrInvalidPricingInput reports an unknown option type or a negative input
	ErrInvalidPricingInput = errors.New("invalid pricing input")
	// ErrPricingFault reports inputs the model cannot evaluate (zero volatility, non-positive prices)
	ErrPricingFault = errors.New("pricing arithmetic fault")
)

// PricingEngine computes Black-Scholes-Merton fair values for European options
type PricingEngine struct {
	clock  Clock
	logger *logrus.Logger
}

// NewPricingEngine creates a new pricing engine
func NewPricingEngine(clock Clock, logger *logrus.Logger) *PricingEngine {
	return &PricingEngine{
		clock:  clock,
		logger: ensureLogger(logger),
	}
}

// Price returns the theoretical price of an option.
//
// Time to expiry is (days to expiry + 1) / 365 so the current day counts.
// An expired option prices at 0 without an error. Invalid or degenerate
// inputs price at 0 with ErrInvalidPricingInput or ErrPricingFault.
func (p *PricingEngine) Price(optionType string, S, K float64, expiry time.Time, r, sigma float64) (float64, error) {
	if optionType != interfaces.OptionTypeCall && optionType != interfaces.OptionTypePut {
		return 0, fmt.Errorf("%w: option type %q must be CE or PE", ErrInvalidPricingInput, optionType)
	}
	for _, v := range []float64{S, K, r, sigma} {
		if v < 0 || math.IsNaN(v) {
			return 0, fmt.Errorf("%w: S=%v K=%v r=%v sigma=%v must be non-negative", ErrInvalidPricingInput, S, K, r, sigma)
		}
	}

	days := daysBetween(p.clock.Now(), expiry)
	if days < 0 {
		p.logger.WithField("expiry", expiry.Format("2006-01-02")).Warn("Option has already expired, pricing at 0")
		return 0, nil
	}
	T := float64(days+1) / 365.0

	price, err := blackScholes(optionType == interfaces.OptionTypeCall, S, K, T, r, sigma)
	if err != nil {
		p.logger.WithFields(logrus.Fields{
			"S":     S,
			"K":     K,
			"T":     T,
			"sigma": sigma,
		}).WithError(err).Error("Black-Scholes calculation failed")
		return 0, err
	}
	return price, nil
}

// blackScholes evaluates the closed-form price for time to expiry T in years
func blackScholes(isCall bool, S, K, T, r, sigma float64) (float64, error) {
	if sigma == 0 || T <= 0 || S <= 0 || K <= 0 {
		return 0, fmt.Errorf("%w: S=%v K=%v T=%v sigma=%v", ErrPricingFault, S, K, T, sigma)
	}

	sqrtT := math.Sqrt(T)
	d1 := (math.Log(S/K) + (r+0.5*sigma*sigma)*T) / (sigma * sqrtT)
	d2 := d1 - sigma*sqrtT
	discount := K * math.Exp(-r*T)

	var price float64
	if isCall {
		price = S*normCDF(d1) - discount*normCDF(d2)
	} else {
		price = discount*normCDF(-d2) - S*normCDF(-d1)
	}

	if math.IsNaN(price) || math.IsInf(price, 0) {
		return 0, fmt.Errorf("%w: non-finite price", ErrPricingFault)
	}
	// Far out-of-the-money legs can round a hair below zero
	return math.Max(price, 0), nil
}

// normCDF is the standard normal cumulative distribution function
func normCDF(x float64) float64 {
	return 0.5 * (1.0 + math.Erf(x/math.Sqrt2))
}
