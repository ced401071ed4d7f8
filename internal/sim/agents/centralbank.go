package agents

import (
	"math"

	"econsim.ai/internal/protocol"
)

// GroupCentralBank is the conventional name of the central-bank group.
const GroupCentralBank = "central_bank"

// CentralBankConfig holds the monetary-policy parameters consumed from the
// scenario.
type CentralBankConfig struct {
	NeutralRate         float64 `yaml:"neutral_rate"`
	InflationTarget     float64 `yaml:"inflation_target"`
	InflationWeight     float64 `yaml:"inflation_weight"`
	UnemploymentTarget  float64 `yaml:"unemployment_target"`
	UnemploymentWeight  float64 `yaml:"unemployment_weight"`
	SmoothingPerTick    float64 `yaml:"smoothing_per_tick"` // rate inertia
	InflationEMAAlpha   float64 `yaml:"inflation_ema_alpha"`
	AnnouncementMinMove float64 `yaml:"announcement_min_move"`
}

func (c *CentralBankConfig) applyDefaults() {
	if c.NeutralRate == 0 {
		c.NeutralRate = 0.02
	}
	if c.InflationTarget == 0 {
		c.InflationTarget = 0.02
	}
	if c.InflationWeight == 0 {
		c.InflationWeight = 1.5
	}
	if c.UnemploymentTarget == 0 {
		c.UnemploymentTarget = 0.05
	}
	if c.UnemploymentWeight == 0 {
		c.UnemploymentWeight = 0.5
	}
	if c.SmoothingPerTick == 0 {
		c.SmoothingPerTick = 0.01
	}
	if c.InflationEMAAlpha == 0 {
		c.InflationEMAAlpha = 0.02
	}
	if c.AnnouncementMinMove == 0 {
		c.AnnouncementMinMove = 0.0025
	}
}

type centralBankState struct {
	Rate          float64
	InflationEMA  float64
	AnnouncedRate float64
}

// CentralBank follows a Taylor-style rule over a smoothed inflation measure
// and the unemployment gap, with heavy rate inertia. It writes the policy
// rate onto the market board; a rate announcement event fires only when the
// rate has moved a quarter point from the last announcement.
type CentralBank struct {
	cfg    CentralBankConfig
	market *Market
	st     centralBankState
}

func NewCentralBank(cfg CentralBankConfig, market *Market) *CentralBank {
	cfg.applyDefaults()
	return &CentralBank{cfg: cfg, market: market}
}

func (cb *CentralBank) Name() string { return GroupCentralBank }
func (cb *CentralBank) Count() int   { return 1 }

func (cb *CentralBank) Init(tc *TickContext) {
	cb.st = centralBankState{
		Rate:          cb.cfg.NeutralRate,
		InflationEMA:  cb.cfg.InflationTarget,
		AnnouncedRate: cb.cfg.NeutralRate,
	}
	cb.market.SetPolicyRate(cb.st.Rate)
}

func (cb *CentralBank) Tick(tc *TickContext) error {
	a := cb.cfg.InflationEMAAlpha
	cb.st.InflationEMA = (1-a)*cb.st.InflationEMA + a*cb.market.Inflation()

	target := cb.cfg.NeutralRate +
		cb.cfg.InflationWeight*(cb.st.InflationEMA-cb.cfg.InflationTarget) +
		cb.cfg.UnemploymentWeight*(cb.cfg.UnemploymentTarget-cb.market.Unemployment())
	if target < 0 {
		target = 0
	}

	cb.st.Rate += cb.cfg.SmoothingPerTick * (target - cb.st.Rate)
	cb.market.SetPolicyRate(cb.st.Rate)

	if math.Abs(cb.st.Rate-cb.st.AnnouncedRate) >= cb.cfg.AnnouncementMinMove {
		tc.Emit(protocol.Event{
			Type:    protocol.EventPolicyRateChange,
			ActorID: "central_bank",
			Tick:    tc.Tick,
			Payload: map[string]any{
				"rate":          cb.st.Rate,
				"previous":      cb.st.AnnouncedRate,
				"inflation_ema": cb.st.InflationEMA,
			},
		})
		cb.st.AnnouncedRate = cb.st.Rate
	}
	return nil
}

func (cb *CentralBank) SerializeState() ([]byte, error) { return encodeState(&cb.st) }
func (cb *CentralBank) RestoreState(data []byte) error  { return decodeState(data, &cb.st) }
