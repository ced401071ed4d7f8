package agents

import (
	"fmt"
	"math"

	"econsim.ai/internal/protocol"
)

// GroupFirms is the conventional name of the firm group.
const GroupFirms = "firms"

// FirmsConfig holds the firm-group parameters consumed from the scenario.
type FirmsConfig struct {
	Count                int     `yaml:"count"`
	InitialPrice         float64 `yaml:"initial_price"`
	InitialCapacity      float64 `yaml:"initial_capacity"` // units per day
	UnitCost             float64 `yaml:"unit_cost"`
	LearningRate         float64 `yaml:"learning_rate"` // adaptive forecast
	TargetInventoryRatio float64 `yaml:"target_inventory_ratio"`
	PriceAdjustment      float64 `yaml:"price_adjustment"` // max daily drift
	DemandNoiseSigma     float64 `yaml:"demand_noise_sigma"`
	BankruptcyThreshold  float64 `yaml:"bankruptcy_threshold"` // cash floor
}

func (c *FirmsConfig) applyDefaults() {
	if c.Count == 0 {
		c.Count = 50
	}
	if c.InitialPrice == 0 {
		c.InitialPrice = 10
	}
	if c.InitialCapacity == 0 {
		c.InitialCapacity = 200
	}
	if c.UnitCost == 0 {
		c.UnitCost = 7
	}
	if c.LearningRate == 0 {
		c.LearningRate = 0.1
	}
	if c.TargetInventoryRatio == 0 {
		c.TargetInventoryRatio = 0.5
	}
	if c.PriceAdjustment == 0 {
		c.PriceAdjustment = 0.01
	}
	if c.DemandNoiseSigma == 0 {
		c.DemandNoiseSigma = 0.15
	}
	if c.BankruptcyThreshold == 0 {
		c.BankruptcyThreshold = -50000
	}
}

type firm struct {
	ID             uint32
	Price          float64
	PostedPrice    float64 // last price carried by a price_change event
	DemandForecast float64
	Inventory      float64
	Capacity       float64
	Cash           float64
	Debt           float64
}

type firmsState struct {
	Firms  []firm
	NextID uint32
}

// Firms simulates producers with adaptive demand forecasts: production
// against a target inventory, sticky price adjustment, debt service at the
// policy rate and exit/entry on bankruptcy.
type Firms struct {
	cfg    FirmsConfig
	market *Market
	st     firmsState
}

func NewFirms(cfg FirmsConfig, market *Market) *Firms {
	cfg.applyDefaults()
	return &Firms{cfg: cfg, market: market}
}

func (f *Firms) Name() string { return GroupFirms }
func (f *Firms) Count() int   { return len(f.st.Firms) }

func (f *Firms) Init(tc *TickContext) {
	f.st.Firms = make([]firm, f.cfg.Count)
	f.st.NextID = uint32(f.cfg.Count)
	for i := range f.st.Firms {
		fr := &f.st.Firms[i]
		fr.ID = uint32(i)
		fr.Price = f.cfg.InitialPrice * (1 + 0.1*tc.Rng.NormFloat64())
		fr.PostedPrice = fr.Price
		fr.Capacity = f.cfg.InitialCapacity * tc.Rng.LogNormal(0, 0.3)
		fr.DemandForecast = fr.Capacity * 0.8
		fr.Inventory = fr.DemandForecast * f.cfg.TargetInventoryRatio
		fr.Cash = fr.Capacity * f.cfg.InitialPrice * 10
	}
}

func (f *Firms) Tick(tc *TickContext) error {
	// Aggregate demand in units is last tick's household consumption spread
	// over firms, weighted inversely by each firm's relative price.
	consumption := f.market.Consumption()
	priceLevel := f.market.PriceLevel()
	if priceLevel <= 0 {
		priceLevel = f.cfg.InitialPrice
	}
	perFirmSpend := consumption / float64(len(f.st.Firms))

	for i := range f.st.Firms {
		fr := &f.st.Firms[i]

		noise := math.Exp(f.cfg.DemandNoiseSigma * tc.Rng.NormFloat64())
		relPrice := fr.Price / priceLevel
		demand := perFirmSpend / fr.Price * noise / relPrice
		sales := math.Min(fr.Inventory, demand)
		fr.Inventory -= sales
		fr.Cash += sales * fr.Price

		// Adaptive expectations.
		fr.DemandForecast += f.cfg.LearningRate * (sales - fr.DemandForecast)

		// Produce toward forecast plus an inventory buffer.
		target := fr.DemandForecast * (1 + f.cfg.TargetInventoryRatio)
		production := target - fr.Inventory
		if production < 0 {
			production = 0
		}
		if production > fr.Capacity {
			production = fr.Capacity
		}
		fr.Inventory += production
		fr.Cash -= production * f.cfg.UnitCost
		f.market.RecordOutput(production)

		// Debt service at policy rate plus a fixed spread; shortfalls are
		// financed by new debt.
		fr.Cash -= fr.Debt * (f.market.PolicyRate() + 0.03) / TicksPerYear
		if fr.Cash < 0 {
			fr.Debt -= fr.Cash
			fr.Cash = 0
		}

		// Sticky pricing: excess inventory pushes the price down, a thin
		// buffer pushes it up.
		buffer := fr.DemandForecast * f.cfg.TargetInventoryRatio
		switch {
		case fr.Inventory > 2*buffer:
			fr.Price *= 1 - f.cfg.PriceAdjustment
		case fr.Inventory < 0.5*buffer:
			fr.Price *= 1 + f.cfg.PriceAdjustment
		}
		if fr.Price < f.cfg.UnitCost {
			fr.Price = f.cfg.UnitCost
		}
		f.market.RecordPrice(fr.Price)

		// Daily drift is silent; a price change is announced once it has
		// moved 5% from the last posted price.
		if fr.PostedPrice > 0 && math.Abs(fr.Price-fr.PostedPrice)/fr.PostedPrice >= 0.05 {
			tc.Emit(protocol.Event{
				Type:    protocol.EventFirmPriceChange,
				ActorID: fmt.Sprintf("firm:%d", fr.ID),
				Tick:    tc.Tick,
				Payload: map[string]any{"from": fr.PostedPrice, "to": fr.Price},
			})
			fr.PostedPrice = fr.Price
		}

		if fr.Cash-fr.Debt < f.cfg.BankruptcyThreshold {
			tc.Emit(protocol.Event{
				Type:    protocol.EventFirmBankrupt,
				ActorID: fmt.Sprintf("firm:%d", fr.ID),
				Tick:    tc.Tick,
				Payload: map[string]any{"debt": fr.Debt, "cash": fr.Cash},
			})
			// Exit and entry: a new firm takes the slot.
			f.st.NextID++
			*fr = firm{
				ID:             f.st.NextID,
				Price:          priceLevel,
				PostedPrice:    priceLevel,
				Capacity:       f.cfg.InitialCapacity,
				DemandForecast: f.cfg.InitialCapacity * 0.5,
				Cash:           f.cfg.InitialCapacity * priceLevel * 5,
			}
		}
	}
	return nil
}

func (f *Firms) SerializeState() ([]byte, error) { return encodeState(&f.st) }
func (f *Firms) RestoreState(data []byte) error  { return decodeState(data, &f.st) }
