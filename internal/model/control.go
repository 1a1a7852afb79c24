package model

// Params are the tunable quoting parameters, present at both the global
// and per-symbol layer.
type Params struct {
	SpreadMultiplier float64 `json:"spread_multiplier"`
	SizeScalar       float64 `json:"size_scalar"`
	DirectionalSkew  float64 `json:"directional_skew"`
}

// SymbolControl is the per-symbol control override layer.
type SymbolControl struct {
	QuotingEnabled   bool    `json:"quoting_enabled"`
	SpreadMultiplier float64 `json:"spread_multiplier"`
	SizeScalar       float64 `json:"size_scalar"`
	DirectionalSkew  float64 `json:"directional_skew"`
	MaxPosition      float64 `json:"max_position"`
	MaxDelta         float64 `json:"max_delta"`
}

// ControlState holds the global control layer plus per-symbol overrides.
type ControlState struct {
	MasterEnabled bool              `json:"master_enabled"`
	Global        Params            `json:"global"`
	Symbols       map[string]SymbolControl `json:"symbols"`

	// Defaults applied when a symbol carries no override.
	DefaultMaxPosition float64 `json:"default_max_position"`
	DefaultMaxDelta    float64 `json:"default_max_delta"`
}

// DefaultControlState returns a neutral, enabled control state.
func DefaultControlState() ControlState {
	return ControlState{
		MasterEnabled: true,
		Global: Params{
			SpreadMultiplier: 1.0,
			SizeScalar:       1.0,
			DirectionalSkew:  0.0,
		},
		Symbols:            make(map[string]SymbolControl),
		DefaultMaxPosition: 100,
		DefaultMaxDelta:    100,
	}
}

// EffectiveParams is the merged result of the global and per-symbol
// layers for one underlying symbol.
type EffectiveParams struct {
	Enabled          bool
	SpreadMultiplier float64
	SizeScalar       float64
	DirectionalSkew  float64
	MaxPosition      float64
	MaxDelta         float64
}

// Effective merges the global layer with a symbol's override layer.
// Multipliers and scalars combine multiplicatively, skew additively.
// MasterEnabled false dominates every per-symbol setting.
func (c ControlState) Effective(symbol string) EffectiveParams {
	eff := EffectiveParams{
		Enabled:          c.MasterEnabled,
		SpreadMultiplier: c.Global.SpreadMultiplier,
		SizeScalar:       c.Global.SizeScalar,
		DirectionalSkew:  c.Global.DirectionalSkew,
		MaxPosition:      c.DefaultMaxPosition,
		MaxDelta:         c.DefaultMaxDelta,
	}
	sc, ok := c.Symbols[symbol]
	if !ok {
		return eff
	}
	eff.Enabled = c.MasterEnabled && sc.QuotingEnabled
	eff.SpreadMultiplier *= sc.SpreadMultiplier
	eff.SizeScalar *= sc.SizeScalar
	eff.DirectionalSkew += sc.DirectionalSkew
	if sc.MaxPosition > 0 {
		eff.MaxPosition = sc.MaxPosition
	}
	if sc.MaxDelta > 0 {
		eff.MaxDelta = sc.MaxDelta
	}
	return eff
}

// Clone returns a deep copy so readers never alias the engine's map.
func (c ControlState) Clone() ControlState {
	out := c
	out.Symbols = make(map[string]SymbolControl, len(c.Symbols))
	for k, v := range c.Symbols {
		out.Symbols[k] = v
	}
	return out
}

// QuoteState is the per-instrument control state machine tag.
type QuoteState string

const (
	StateDisabled  QuoteState = "disabled"
	StateQuoting   QuoteState = "quoting"
	StateWithdrawn QuoteState = "withdrawn"
)

// WithdrawReason explains why an instrument stopped quoting.
type WithdrawReason string

const (
	WithdrawNone              WithdrawReason = ""
	WithdrawKillSwitch        WithdrawReason = "kill_switch"
	WithdrawSymbolToggle      WithdrawReason = "symbol_toggle"
	WithdrawRiskLimit         WithdrawReason = "risk_limit"
	WithdrawNoUnderlyingPrice WithdrawReason = "no_underlying_price"
	WithdrawBookError         WithdrawReason = "book_error"
)

// InstrumentStatus is the externally visible quoting status of one
// instrument, served by the control-query surface.
type InstrumentStatus struct {
	Instrument InstrumentKey  `json:"instrument"`
	State      QuoteState     `json:"state"`
	Reason     WithdrawReason `json:"reason,omitempty"`
	Sequence   uint64         `json:"sequence"`
	Quote      *Quote         `json:"quote,omitempty"`
}
