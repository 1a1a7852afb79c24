// Package pricing provides the theoretical-value collaborator consumed
// by the market-making engine. The engine treats it as a black box; the
// default implementation is a Black-Scholes approximation.
package pricing

import (
	"fmt"
	"math"
	"time"

	"options-core/internal/model"
)

// Error is a pricing failure. It is per-instrument and recoverable:
// the engine withdraws the instrument instead of crashing.
type Error struct {
	Instrument model.InstrumentKey
	Msg        string
}

func (e *Error) Error() string {
	return fmt.Sprintf("pricing %s: %s", e.Instrument.Symbol(), e.Msg)
}

// Pricer is the collaborator contract.
type Pricer interface {
	// Theoretical returns fair value and greeks for an instrument at
	// the given underlying price and time.
	Theoretical(instrument model.InstrumentKey, spot float64, asOf time.Time) (model.Theo, error)
}

// BlackScholes prices European options with a flat volatility.
type BlackScholes struct {
	RiskFreeRate float64
	DefaultIV    float64
	// IVBySymbol overrides DefaultIV per underlying.
	IVBySymbol map[string]float64
}

// NewBlackScholes creates a pricer with the given annualized rate and
// default implied volatility.
func NewBlackScholes(riskFreeRate, defaultIV float64) *BlackScholes {
	return &BlackScholes{
		RiskFreeRate: riskFreeRate,
		DefaultIV:    defaultIV,
		IVBySymbol:   make(map[string]float64),
	}
}

// Theoretical implements Pricer.
func (p *BlackScholes) Theoretical(k model.InstrumentKey, spot float64, asOf time.Time) (model.Theo, error) {
	if spot <= 0 {
		return model.Theo{}, &Error{Instrument: k, Msg: "non-positive underlying price"}
	}
	if k.Strike <= 0 {
		return model.Theo{}, &Error{Instrument: k, Msg: "non-positive strike"}
	}
	expiry, err := k.ExpiresAt()
	if err != nil {
		return model.Theo{}, &Error{Instrument: k, Msg: err.Error()}
	}

	t := expiry.Sub(asOf).Seconds() / (365 * 24 * 3600)
	if t <= 0 {
		// Expired: intrinsic value, terminal greeks.
		return expiredTheo(k, spot), nil
	}

	sigma := p.iv(k.Underlying)
	strike := k.Strike
	sqrtT := math.Sqrt(t)
	d1 := (math.Log(spot/strike) + (p.RiskFreeRate+sigma*sigma/2)*t) / (sigma * sqrtT)
	d2 := d1 - sigma*sqrtT
	discount := math.Exp(-p.RiskFreeRate * t)

	var value, delta float64
	switch k.Style {
	case model.StylePut:
		value = strike*discount*normCDF(-d2) - spot*normCDF(-d1)
		delta = normCDF(d1) - 1
	default:
		value = spot*normCDF(d1) - strike*discount*normCDF(d2)
		delta = normCDF(d1)
	}

	gamma := normPDF(d1) / (spot * sigma * sqrtT)
	vega := spot * normPDF(d1) * sqrtT / 100 // per 1% vol change

	term1 := -spot * normPDF(d1) * sigma / (2 * sqrtT)
	var theta float64
	if k.Style == model.StylePut {
		theta = term1 + p.RiskFreeRate*strike*discount*normCDF(-d2)
	} else {
		theta = term1 - p.RiskFreeRate*strike*discount*normCDF(d2)
	}
	theta /= 365 // daily decay

	return model.Theo{
		Value:  value,
		Greeks: model.Greeks{Delta: delta, Gamma: gamma, Vega: vega, Theta: theta},
	}, nil
}

func (p *BlackScholes) iv(symbol string) float64 {
	if iv, ok := p.IVBySymbol[symbol]; ok && iv > 0 {
		return iv
	}
	if p.DefaultIV > 0 {
		return p.DefaultIV
	}
	return 0.3
}

func expiredTheo(k model.InstrumentKey, spot float64) model.Theo {
	var value, delta float64
	if k.Style == model.StylePut {
		value = math.Max(k.Strike-spot, 0)
		if spot < k.Strike {
			delta = -1
		}
	} else {
		value = math.Max(spot-k.Strike, 0)
		if spot > k.Strike {
			delta = 1
		}
	}
	return model.Theo{Value: value, Greeks: model.Greeks{Delta: delta}}
}

func normCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}

func normPDF(x float64) float64 {
	return math.Exp(-x*x/2) / math.Sqrt(2*math.Pi)
}
