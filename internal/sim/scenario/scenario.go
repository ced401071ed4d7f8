// Package scenario loads simulation scenarios from YAML. The kernel
// consumes the seed, tick rate, snapshot interval, retention count and the
// declared agent-group execution order; the per-group blocks parameterize
// the sample agent models.
package scenario

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"econsim.ai/internal/sim/agents"
)

type SnapshotPolicy struct {
	EveryTicks uint64 `yaml:"every_ticks"`
	Keep       int    `yaml:"keep"`
}

type Scenario struct {
	Description string `yaml:"description"`
	Seed        uint64 `yaml:"seed"`
	TickRateHz  int    `yaml:"tick_rate_hz"`

	Snapshot SnapshotPolicy `yaml:"snapshot"`

	// GroupOrder is the fixed tick order. Determinism depends on it: the
	// same order every run.
	GroupOrder []string `yaml:"group_order"`

	Market struct {
		InitialPriceLevel float64 `yaml:"initial_price_level"`
		InitialPolicyRate float64 `yaml:"initial_policy_rate"`
	} `yaml:"market"`
	Population  agents.PopulationConfig  `yaml:"population"`
	Firms       agents.FirmsConfig       `yaml:"firms"`
	Banks       agents.BanksConfig       `yaml:"banks"`
	CentralBank agents.CentralBankConfig `yaml:"central_bank"`
}

// DefaultGroupOrder is used when the scenario does not declare one. The
// market folds accumulators first; the central bank reads everything last.
var DefaultGroupOrder = []string{
	agents.GroupMarket,
	agents.GroupPopulation,
	agents.GroupFirms,
	agents.GroupBanks,
	agents.GroupCentralBank,
}

func (s *Scenario) applyDefaults() {
	if s.TickRateHz == 0 {
		s.TickRateHz = 20
	}
	if s.Snapshot.EveryTicks == 0 {
		s.Snapshot.EveryTicks = 365
	}
	if s.Snapshot.Keep == 0 {
		s.Snapshot.Keep = 100
	}
	if len(s.GroupOrder) == 0 {
		s.GroupOrder = append([]string(nil), DefaultGroupOrder...)
	}
	if s.Market.InitialPriceLevel == 0 {
		s.Market.InitialPriceLevel = 10
	}
	if s.Market.InitialPolicyRate == 0 {
		s.Market.InitialPolicyRate = 0.02
	}
}

func (s *Scenario) validate() error {
	if s.TickRateHz < 0 {
		return fmt.Errorf("scenario: tick_rate_hz must be >= 0")
	}
	if s.Snapshot.Keep < 1 {
		return fmt.Errorf("scenario: snapshot.keep must be >= 1")
	}
	seen := map[string]bool{}
	for _, name := range s.GroupOrder {
		if seen[name] {
			return fmt.Errorf("scenario: group %q listed twice in group_order", name)
		}
		seen[name] = true
		switch name {
		case agents.GroupMarket, agents.GroupPopulation, agents.GroupFirms,
			agents.GroupBanks, agents.GroupCentralBank:
		default:
			return fmt.Errorf("scenario: unknown group %q in group_order", name)
		}
	}
	if !seen[agents.GroupMarket] {
		return fmt.Errorf("scenario: group_order must include %q", agents.GroupMarket)
	}
	return nil
}

// Load reads and validates a scenario file.
func Load(path string) (*Scenario, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// Parse decodes and validates scenario YAML.
func Parse(raw []byte) (*Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("scenario: %w", err)
	}
	s.applyDefaults()
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Default returns the built-in baseline scenario.
func Default() *Scenario {
	var s Scenario
	s.Seed = 42
	s.Description = "baseline"
	s.applyDefaults()
	return &s
}

// Groups builds a fresh set of agent groups in the declared order. The
// scheduler calls this at construction and again on Reset so that reset
// state always comes from configuration, never from leftovers.
func (s *Scenario) Groups() ([]agents.Group, error) {
	market := agents.NewMarket(s.Market.InitialPriceLevel, s.Market.InitialPolicyRate)
	byName := map[string]agents.Group{
		agents.GroupMarket:      market,
		agents.GroupPopulation:  agents.NewPopulation(s.Population, market),
		agents.GroupFirms:       agents.NewFirms(s.Firms, market),
		agents.GroupBanks:       agents.NewBanks(s.Banks, market),
		agents.GroupCentralBank: agents.NewCentralBank(s.CentralBank, market),
	}
	out := make([]agents.Group, 0, len(s.GroupOrder))
	for _, name := range s.GroupOrder {
		g, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("scenario: unknown group %q", name)
		}
		out = append(out, g)
	}
	return out, nil
}
