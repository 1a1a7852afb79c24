package engine

import (
	"math"

	"options-core/internal/model"
)

// quoteInput carries everything the quote math needs for one
// instrument on one cycle.
type quoteInput struct {
	theo       model.Theo
	eff        model.EffectiveParams
	baseSpread float64
	baseSize   float64

	// Symbol-level exposure at computation time.
	netPosition float64
	netDelta    float64
}

// desiredQuote is the target quote before diffing against resting
// orders. A zero size omits that side.
type desiredQuote struct {
	bidPrice, bidSize float64
	askPrice, askSize float64
}

// computeQuote derives the target two-sided quote.
//
// The spread centers on theo and widens with the effective multiplier.
// Directional skew leans the whole quote against the current position:
// a long book with positive skew shifts both bid and ask down, biasing
// flow toward selling. Sizes shrink (never grow) to respect the
// remaining max-position and max-delta headroom on the side that would
// increase exposure; reducing remains quotable at any magnitude.
func computeQuote(in quoteInput) desiredQuote {
	halfSpread := in.baseSpread * in.eff.SpreadMultiplier / 2
	if halfSpread <= 0 {
		halfSpread = 0.01
	}

	posFrac := 0.0
	if in.eff.MaxPosition > 0 {
		posFrac = clamp(in.netPosition/in.eff.MaxPosition, -1, 1)
	} else if in.netPosition != 0 {
		posFrac = math.Copysign(1, in.netPosition)
	}
	lean := in.eff.DirectionalSkew * posFrac * in.baseSpread

	bid := in.theo.Value - halfSpread - lean
	ask := in.theo.Value + halfSpread - lean
	if bid < 0 {
		bid = 0
	}
	if ask <= bid {
		ask = bid + 0.01
	}

	base := in.baseSize * in.eff.SizeScalar
	q := desiredQuote{
		bidPrice: round2(bid),
		askPrice: round2(ask),
		bidSize:  sideSize(base, in, true),
		askSize:  sideSize(base, in, false),
	}
	if q.bidSize <= 0 {
		q.bidSize, q.bidPrice = 0, 0
	}
	if q.askSize <= 0 {
		q.askSize, q.askPrice = 0, 0
	}
	return q
}

// sideSize reduces the base size to whatever headroom the risk
// ceilings leave on one side. Buying adds position; selling subtracts.
func sideSize(base float64, in quoteInput, buying bool) float64 {
	size := base

	if in.eff.MaxPosition > 0 {
		var headroom float64
		if buying {
			headroom = in.eff.MaxPosition - in.netPosition
		} else {
			headroom = in.eff.MaxPosition + in.netPosition
		}
		if headroom <= 0 {
			return 0
		}
		size = math.Min(size, headroom)
	}

	if in.eff.MaxDelta > 0 {
		// Per-contract delta effect of trading this side.
		effect := in.theo.Greeks.Delta
		if !buying {
			effect = -effect
		}
		switch {
		case effect > 0:
			headroom := in.eff.MaxDelta - in.netDelta
			if headroom <= 0 {
				return 0
			}
			size = math.Min(size, headroom/effect)
		case effect < 0:
			headroom := in.eff.MaxDelta + in.netDelta
			if headroom <= 0 {
				return 0
			}
			size = math.Min(size, headroom/-effect)
		}
	}

	return math.Floor(size)
}

// changedBeyond reports whether the desired quote differs from the
// resting quote by at least the minimum tick on any price or size.
func changedBeyond(prev model.Quote, next desiredQuote, minTick float64) bool {
	return math.Abs(prev.BidPrice-next.bidPrice) >= minTick ||
		math.Abs(prev.AskPrice-next.askPrice) >= minTick ||
		math.Abs(prev.BidSize-next.bidSize) >= minTick ||
		math.Abs(prev.AskSize-next.askSize) >= minTick
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
