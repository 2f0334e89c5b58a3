package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/lmsrbot/internal/belief"
	"github.com/alanyoungcy/lmsrbot/internal/config"
	"github.com/alanyoungcy/lmsrbot/internal/domain"
	"github.com/alanyoungcy/lmsrbot/internal/fees"
	"github.com/alanyoungcy/lmsrbot/internal/risk"
	"github.com/alanyoungcy/lmsrbot/internal/sizing"
)

// Params is everything one asset worker needs for a decision cycle. A worker
// swaps its Params only between cycles.
type Params struct {
	Market         domain.MarketSpec
	MakerEnabled   bool
	MakerThreshold float64
	TakerThreshold float64
	ReferenceSize  float64
	Bankroll       float64
	// Allocation is the bankroll fraction this asset may hold.
	Allocation          float64
	StaleAfter          time.Duration
	DivergenceThreshold float64
	SnapshotInterval    time.Duration

	Belief belief.Params
	Kelly  sizing.Kelly
	Limits risk.Limits
	Fees   fees.Schedule

	ConfigVersion uint64
}

// ParamsFor resolves the parameters of asset from a config snapshot, applying
// the market's overrides on top of the global sections.
func ParamsFor(snap config.Snapshot, asset domain.Asset) (Params, error) {
	cfg := snap.Config
	m, ok := cfg.Market(string(asset))
	if !ok {
		return Params{}, fmt.Errorf("engine: params for %s: %w", asset, domain.ErrUnknownAsset)
	}

	p := Params{
		Market: domain.MarketSpec{
			Asset:       domain.Asset(strings.ToUpper(m.Asset)),
			Name:        m.Name,
			ConditionID: m.ConditionID,
			YesTokenID:  m.YesTokenID,
			NoTokenID:   m.NoTokenID,
			Strike:      m.Strike,
			VolBps:      m.VolBps,
			Liquidity:   m.Liquidity,
			Active:      m.Active,
		},
		MakerEnabled:        true,
		MakerThreshold:      cfg.Engine.MakerEdgeThreshold,
		TakerThreshold:      cfg.Engine.TakerEdgeThreshold,
		ReferenceSize:       cfg.Engine.ReferenceSize,
		Bankroll:            cfg.Engine.Bankroll,
		Allocation:          cfg.Engine.AllocationFraction,
		StaleAfter:          cfg.Engine.StaleAfter.Duration,
		DivergenceThreshold: cfg.Belief.DivergenceThreshold,
		SnapshotInterval:    cfg.Engine.SnapshotInterval.Duration,
		Belief: belief.Params{
			PriorAlpha:          cfg.Belief.PriorAlpha,
			PriorBeta:           cfg.Belief.PriorBeta,
			EvidenceWeight:      cfg.Belief.EvidenceWeight,
			HalfLife:            cfg.Belief.HalfLife.Duration,
			DivergenceThreshold: cfg.Belief.DivergenceThreshold,
			DebouncePct:         cfg.Belief.DebouncePct,
			MaxConcentration:    cfg.Belief.MaxConcentration,
			CrossMaxAge:         cfg.Belief.CrossMaxAge.Duration,
		},
		Kelly: sizing.Kelly{
			Fraction:            cfg.Engine.KellyFraction,
			MaxPositionFraction: cfg.Engine.MaxPositionFraction,
		},
		Fees:          fees.FromConfig(cfg.Fees),
		ConfigVersion: snap.Version,
	}

	capital := cfg.Engine.Bankroll * cfg.Engine.AllocationFraction
	if m.MakerEnabled != nil {
		p.MakerEnabled = *m.MakerEnabled
	}
	if m.MakerEdgeThreshold != nil {
		p.MakerThreshold = *m.MakerEdgeThreshold
	}
	if m.TakerEdgeThreshold != nil {
		p.TakerThreshold = *m.TakerEdgeThreshold
	}
	if m.KellyFraction != nil {
		p.Kelly.Fraction = *m.KellyFraction
	}
	if m.DivergenceThreshold != nil {
		p.DivergenceThreshold = *m.DivergenceThreshold
		p.Belief.DivergenceThreshold = *m.DivergenceThreshold
	}
	if m.DebouncePct != nil {
		p.Belief.DebouncePct = *m.DebouncePct
	}
	if m.Capital != nil {
		capital = *m.Capital
	}

	p.Limits = risk.Limits{
		Capital:              capital,
		TradePct:             cfg.Risk.TradeLossPct,
		HourPct:              cfg.Risk.HourLossPct,
		DayPct:               cfg.Risk.DayLossPct,
		TradeWindow:          cfg.Risk.TradeWindow.Duration,
		MaxConsecutiveLosses: cfg.Risk.MaxConsecutiveLosses,
		Cooldown:             cfg.Risk.Cooldown.Duration,
		MinTradeSize:         cfg.Risk.MinTradeSize,
	}
	return p, nil
}
