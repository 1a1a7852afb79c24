package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"options-core/internal/model"
)

// Asset describes one underlying and the option grid quoted on it.
type Asset struct {
	Symbol       string  `yaml:"symbol"`
	Name         string  `yaml:"name"`
	InitialPrice float64 `yaml:"initial_price"`
	Volatility   float64 `yaml:"volatility"` // annualized, for the simulator and pricing IV
	Drift        float64 `yaml:"drift"`      // annualized, simulator only

	// Expirations as YYYYMMDD strings.
	Expirations []string `yaml:"expirations"`

	// Strike grid: NumStrikes strikes per side of the initial price,
	// spaced StrikeSpacing apart.
	NumStrikes    int     `yaml:"num_strikes"`
	StrikeSpacing float64 `yaml:"strike_spacing"`
}

// Simulation controls the built-in price walk.
type Simulation struct {
	TickIntervalMs int    `yaml:"tick_interval_ms"`
	Walk           string `yaml:"walk"` // gbm, mean_reverting, jump_diffusion
	Seed           int64  `yaml:"seed"`
}

// Instruments is the top-level instrument universe file.
type Instruments struct {
	Assets     []Asset    `yaml:"assets"`
	Simulation Simulation `yaml:"simulation"`
}

// LoadInstruments reads the instrument universe from a YAML file.
func LoadInstruments(path string) (*Instruments, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read instruments file: %w", err)
	}

	var file Instruments
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse instruments file: %w", err)
	}
	if len(file.Assets) == 0 {
		return nil, fmt.Errorf("instruments file %s declares no assets", path)
	}
	for i := range file.Assets {
		a := &file.Assets[i]
		if a.Symbol == "" {
			return nil, fmt.Errorf("asset %d: missing symbol", i)
		}
		if a.InitialPrice <= 0 {
			return nil, fmt.Errorf("asset %s: initial_price must be positive", a.Symbol)
		}
		if a.NumStrikes <= 0 {
			a.NumStrikes = 3
		}
		if a.StrikeSpacing <= 0 {
			a.StrikeSpacing = a.InitialPrice * 0.05
		}
	}
	if file.Simulation.TickIntervalMs <= 0 {
		file.Simulation.TickIntervalMs = 1000
	}
	if file.Simulation.Walk == "" {
		file.Simulation.Walk = "gbm"
	}
	return &file, nil
}

// Strikes generates the strike grid centered on the asset's initial
// price: NumStrikes strikes per side plus the central strike.
func (a Asset) Strikes() []float64 {
	out := make([]float64, 0, 2*a.NumStrikes+1)
	for i := -a.NumStrikes; i <= a.NumStrikes; i++ {
		k := a.InitialPrice + float64(i)*a.StrikeSpacing
		if k > 0 {
			out = append(out, k)
		}
	}
	return out
}

// InstrumentKeys expands the asset into its full option universe: a
// call and a put at every strike of every expiration.
func (a Asset) InstrumentKeys() []model.InstrumentKey {
	strikes := a.Strikes()
	out := make([]model.InstrumentKey, 0, len(a.Expirations)*len(strikes)*2)
	for _, exp := range a.Expirations {
		for _, k := range strikes {
			for _, style := range []model.OptionStyle{model.StyleCall, model.StylePut} {
				out = append(out, model.InstrumentKey{
					Underlying: a.Symbol,
					Expiration: exp,
					Strike:     k,
					Style:      style,
				})
			}
		}
	}
	return out
}
