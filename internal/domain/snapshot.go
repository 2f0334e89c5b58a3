package domain

import "time"

// BeliefSummary is the persisted form of a BeliefState.
type BeliefSummary struct {
	Alpha     float64   `json:"alpha"`
	Beta      float64   `json:"beta"`
	LastPrice float64   `json:"last_price"`
	Updates   uint64    `json:"updates"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EngineSnapshot is the point-in-time state of one asset, taken between
// decision cycles and handed to persistence.
type EngineSnapshot struct {
	Asset         Asset         `json:"asset"`
	Version       uint64        `json:"version"`
	ConfigVersion uint64        `json:"config_version"`
	TakenAt       time.Time     `json:"taken_at"`
	Positions     []Position    `json:"positions"`
	Risk          RiskState     `json:"risk"`
	Belief        BeliefSummary `json:"belief"`
	CumulativePnL float64       `json:"cumulative_pnl"`
}

// AssetStatus is the observability view of one asset worker.
type AssetStatus struct {
	Asset         Asset          `json:"asset"`
	Phase         string         `json:"phase"`
	Snapshot      MarketSnapshot `json:"snapshot"`
	BeliefMean    float64        `json:"belief_mean"`
	BeliefVar     float64        `json:"belief_variance"`
	MarketPrice   float64        `json:"market_price"`
	LastDecision  Decision       `json:"last_decision"`
	Positions     []Position     `json:"positions"`
	Risk          RiskState      `json:"risk"`
	ConfigVersion uint64         `json:"config_version"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Decision records the outcome of one evaluation cycle.
type Decision struct {
	Asset         Asset         `json:"asset"`
	Seq           uint64        `json:"seq"`
	Outcome       Outcome       `json:"outcome"`
	BeliefMean    float64       `json:"belief_mean"`
	BeliefApplied bool          `json:"belief_applied"`
	BeliefWeight  float64       `json:"belief_weight"`
	MarketPrice   float64       `json:"market_price"`
	EdgeMaker     float64       `json:"edge_maker"`
	EdgeTaker     float64       `json:"edge_taker"`
	Strategy      Strategy      `json:"strategy,omitempty"`
	Stake         float64       `json:"stake"`
	Verdict       Verdict       `json:"verdict"`
	Intent        *TradeIntent  `json:"intent,omitempty"`
	Skipped       string        `json:"skipped,omitempty"`
	Latency       time.Duration `json:"latency"`
	At            time.Time     `json:"at"`
}
