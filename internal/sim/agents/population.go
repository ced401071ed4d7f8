package agents

import (
	"fmt"
	"math"

	"econsim.ai/internal/protocol"
)

// GroupPopulation is the conventional name of the person group.
const GroupPopulation = "population"

// PopulationConfig holds the person-group parameters consumed from the
// scenario.
type PopulationConfig struct {
	Count                 int     `yaml:"count"`
	InitialEmploymentRate float64 `yaml:"initial_employment_rate"`
	HireRate              float64 `yaml:"hire_rate"`       // daily probability while unemployed
	SeparationRate        float64 `yaml:"separation_rate"` // daily probability while employed
	WageMu                float64 `yaml:"wage_mu"`         // lognormal annual wage
	WageSigma             float64 `yaml:"wage_sigma"`
	ConsumptionRate       float64 `yaml:"consumption_rate"` // share of savings consumed per day
	BaseConsumption       float64 `yaml:"base_consumption"` // floor spend per day
	RetirementAge         float64 `yaml:"retirement_age"`
	MortalityBase         float64 `yaml:"mortality_base"` // daily hazard at age 0
	MortalityDoubling     float64 `yaml:"mortality_doubling_years"`
}

func (c *PopulationConfig) applyDefaults() {
	if c.Count == 0 {
		c.Count = 1000
	}
	if c.InitialEmploymentRate == 0 {
		c.InitialEmploymentRate = 0.9
	}
	if c.HireRate == 0 {
		c.HireRate = 0.02
	}
	if c.SeparationRate == 0 {
		c.SeparationRate = 0.002
	}
	if c.WageMu == 0 {
		c.WageMu = math.Log(40000)
	}
	if c.WageSigma == 0 {
		c.WageSigma = 0.4
	}
	if c.ConsumptionRate == 0 {
		c.ConsumptionRate = 0.004
	}
	if c.BaseConsumption == 0 {
		c.BaseConsumption = 40
	}
	if c.RetirementAge == 0 {
		c.RetirementAge = 65
	}
	if c.MortalityBase == 0 {
		c.MortalityBase = 1e-7
	}
	if c.MortalityDoubling == 0 {
		c.MortalityDoubling = 8
	}
}

type person struct {
	ID       uint32
	Age      float64 // years
	Employed bool
	Retired  bool
	Wage     float64 // annual
	Savings  float64
}

type populationState struct {
	People []person
	NextID uint32
}

// Population simulates persons: job search, separation, wages, consumption,
// retirement and mortality. A deceased person is replaced by a fresh
// labor-market entrant so the population size stays constant.
type Population struct {
	cfg    PopulationConfig
	market *Market
	st     populationState
}

func NewPopulation(cfg PopulationConfig, market *Market) *Population {
	cfg.applyDefaults()
	return &Population{cfg: cfg, market: market}
}

func (p *Population) Name() string { return GroupPopulation }
func (p *Population) Count() int   { return len(p.st.People) }

// Init populates the group from configuration using its own stream. Called
// once at startup and again on Reset.
func (p *Population) Init(tc *TickContext) {
	p.st.People = make([]person, p.cfg.Count)
	p.st.NextID = uint32(p.cfg.Count)
	for i := range p.st.People {
		pr := &p.st.People[i]
		pr.ID = uint32(i)
		pr.Age = 20 + tc.Rng.Float64()*45
		pr.Employed = tc.Rng.Float64() < p.cfg.InitialEmploymentRate
		if pr.Employed {
			pr.Wage = tc.Rng.LogNormal(p.cfg.WageMu, p.cfg.WageSigma)
		}
		pr.Savings = tc.Rng.LogNormal(math.Log(5000), 0.8)
		if pr.Age >= p.cfg.RetirementAge {
			pr.Employed = false
			pr.Retired = true
		}
	}
}

func (p *Population) Tick(tc *TickContext) error {
	for i := range p.st.People {
		pr := &p.st.People[i]
		pr.Age += 1 / TicksPerYear

		// Gompertz-style mortality: hazard doubles every MortalityDoubling
		// years of age.
		hazard := p.cfg.MortalityBase * math.Exp2(pr.Age/p.cfg.MortalityDoubling)
		if tc.Rng.Float64() < hazard {
			tc.Emit(protocol.Event{
				Type:    protocol.EventPersonDied,
				ActorID: fmt.Sprintf("person:%d", pr.ID),
				Tick:    tc.Tick,
				Payload: map[string]any{"age": pr.Age},
			})
			// Replace with a fresh entrant.
			p.st.NextID++
			*pr = person{ID: p.st.NextID, Age: 20, Savings: 1000}
			continue
		}

		if !pr.Retired && pr.Age >= p.cfg.RetirementAge {
			pr.Retired = true
			pr.Employed = false
			tc.Emit(protocol.Event{
				Type:    protocol.EventPersonRetired,
				ActorID: fmt.Sprintf("person:%d", pr.ID),
				Tick:    tc.Tick,
			})
		}

		if !pr.Retired {
			if pr.Employed {
				if tc.Rng.Float64() < p.cfg.SeparationRate {
					pr.Employed = false
					tc.Emit(protocol.Event{
						Type:    protocol.EventPersonSeparated,
						ActorID: fmt.Sprintf("person:%d", pr.ID),
						Tick:    tc.Tick,
					})
				} else {
					pr.Savings += pr.Wage / TicksPerYear
				}
			} else {
				// Hiring slows when unemployment is already high.
				hireProb := p.cfg.HireRate * (1 - 0.5*p.market.Unemployment())
				if tc.Rng.Float64() < hireProb {
					pr.Employed = true
					pr.Wage = tc.Rng.LogNormal(p.cfg.WageMu, p.cfg.WageSigma)
					tc.Emit(protocol.Event{
						Type:    protocol.EventPersonHired,
						ActorID: fmt.Sprintf("person:%d", pr.ID),
						Tick:    tc.Tick,
						Payload: map[string]any{"wage": pr.Wage},
					})
				}
			}
			p.market.RecordLabor(pr.Employed)
		}

		consume := p.cfg.BaseConsumption + pr.Savings*p.cfg.ConsumptionRate
		if consume > pr.Savings {
			consume = pr.Savings
		}
		pr.Savings -= consume
		p.market.RecordConsumption(consume)
	}
	return nil
}

func (p *Population) SerializeState() ([]byte, error) { return encodeState(&p.st) }
func (p *Population) RestoreState(data []byte) error  { return decodeState(data, &p.st) }
