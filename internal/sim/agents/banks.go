package agents

import (
	"fmt"

	"econsim.ai/internal/protocol"
)

// GroupBanks is the conventional name of the bank group.
const GroupBanks = "banks"

// BanksConfig holds the bank-group parameters consumed from the scenario.
type BanksConfig struct {
	Count             int     `yaml:"count"`
	InitialDeposits   float64 `yaml:"initial_deposits"`
	TargetLoanRatio   float64 `yaml:"target_loan_ratio"` // loans/deposits
	RateElasticity    float64 `yaml:"rate_elasticity"`   // loan demand vs policy rate
	LendingSpread     float64 `yaml:"lending_spread"`
	DepositRate       float64 `yaml:"deposit_rate"`
	BaseDefaultRate   float64 `yaml:"base_default_rate"` // annual, at full employment
	MinCapitalRatio   float64 `yaml:"min_capital_ratio"`
	InitialCapital    float64 `yaml:"initial_capital"`
	LoanAdjustSpeed   float64 `yaml:"loan_adjust_speed"`
	DepositDriftSigma float64 `yaml:"deposit_drift_sigma"`
}

func (c *BanksConfig) applyDefaults() {
	if c.Count == 0 {
		c.Count = 5
	}
	if c.InitialDeposits == 0 {
		c.InitialDeposits = 1e7
	}
	if c.TargetLoanRatio == 0 {
		c.TargetLoanRatio = 0.8
	}
	if c.RateElasticity == 0 {
		c.RateElasticity = 5
	}
	if c.LendingSpread == 0 {
		c.LendingSpread = 0.03
	}
	if c.DepositRate == 0 {
		c.DepositRate = 0.01
	}
	if c.BaseDefaultRate == 0 {
		c.BaseDefaultRate = 0.01
	}
	if c.MinCapitalRatio == 0 {
		c.MinCapitalRatio = 0.08
	}
	if c.InitialCapital == 0 {
		c.InitialCapital = 1.5e6
	}
	if c.LoanAdjustSpeed == 0 {
		c.LoanAdjustSpeed = 0.02
	}
	if c.DepositDriftSigma == 0 {
		c.DepositDriftSigma = 0.002
	}
}

type bank struct {
	ID       uint32
	Deposits float64
	Loans    float64
	Capital  float64
}

type banksState struct {
	Banks []bank
}

// Banks simulates a small commercial banking sector: deposits drift with
// the household side, the loan book moves toward a rate-sensitive target,
// interest margin accrues to capital, and defaults scale with unemployment.
// A bank breaching its capital ratio deleverages and emits a credit event.
type Banks struct {
	cfg    BanksConfig
	market *Market
	st     banksState
}

func NewBanks(cfg BanksConfig, market *Market) *Banks {
	cfg.applyDefaults()
	return &Banks{cfg: cfg, market: market}
}

func (b *Banks) Name() string { return GroupBanks }
func (b *Banks) Count() int   { return len(b.st.Banks) }

func (b *Banks) Init(tc *TickContext) {
	b.st.Banks = make([]bank, b.cfg.Count)
	for i := range b.st.Banks {
		bk := &b.st.Banks[i]
		bk.ID = uint32(i)
		bk.Deposits = b.cfg.InitialDeposits * tc.Rng.LogNormal(0, 0.3)
		bk.Loans = bk.Deposits * b.cfg.TargetLoanRatio
		bk.Capital = b.cfg.InitialCapital * tc.Rng.LogNormal(0, 0.2)
	}
}

func (b *Banks) Tick(tc *TickContext) error {
	policy := b.market.PolicyRate()
	unemployment := b.market.Unemployment()

	for i := range b.st.Banks {
		bk := &b.st.Banks[i]

		// Deposit drift.
		bk.Deposits *= 1 + b.cfg.DepositDriftSigma*tc.Rng.NormFloat64()

		// Loan demand falls as the policy rate rises above 2%.
		target := bk.Deposits * b.cfg.TargetLoanRatio * (1 - b.cfg.RateElasticity*(policy-0.02))
		if target < 0 {
			target = 0
		}
		bk.Loans += b.cfg.LoanAdjustSpeed * (target - bk.Loans)

		// Interest margin, daily accrual.
		income := bk.Loans*(policy+b.cfg.LendingSpread)/TicksPerYear -
			bk.Deposits*b.cfg.DepositRate/TicksPerYear

		// Defaults scale with unemployment; Poisson noise keeps losses lumpy.
		annualDefault := b.cfg.BaseDefaultRate * (1 + 10*unemployment)
		expectedLoss := bk.Loans * annualDefault / TicksPerYear
		lumps := float64(tc.Rng.Poisson(4))
		loss := expectedLoss * lumps / 4

		bk.Capital += income - loss
		bk.Loans -= loss

		if bk.Loans > 0 && bk.Capital/bk.Loans < b.cfg.MinCapitalRatio {
			// Deleverage until the ratio is restored.
			maxLoans := bk.Capital / b.cfg.MinCapitalRatio
			shed := bk.Loans - maxLoans
			bk.Loans = maxLoans
			tc.Emit(protocol.Event{
				Type:    protocol.EventBankCreditEvent,
				ActorID: fmt.Sprintf("bank:%d", bk.ID),
				Tick:    tc.Tick,
				Payload: map[string]any{
					"shed_loans":    shed,
					"capital_ratio": b.cfg.MinCapitalRatio,
				},
			})
		}
	}
	return nil
}

func (b *Banks) SerializeState() ([]byte, error) { return encodeState(&b.st) }
func (b *Banks) RestoreState(data []byte) error  { return decodeState(data, &b.st) }
