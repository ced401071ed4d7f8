package agents

import "econsim.ai/internal/protocol"

// GroupMarket is the conventional name of the indicator board group.
const GroupMarket = "market"

// marketState is the shared indicator board. Groups that tick after the
// market write into the Acc* accumulators; the market folds them into the
// published indicators at the start of the next tick. The one-tick
// information lag keeps cross-group reads deterministic under the fixed
// execution order.
type marketState struct {
	PriceLevel   float64
	Inflation    float64 // annualized
	Unemployment float64
	PolicyRate   float64
	Output       float64
	Consumption  float64

	AccPriceSum    float64
	AccPriceCount  int
	AccEmployed    int
	AccLaborForce  int
	AccOutput      float64
	AccConsumption float64
}

// Market is both a Group (it ticks first) and the indicator board the other
// sample groups read and write. It is only touched from the tick goroutine.
type Market struct {
	st marketState
}

func NewMarket(initialPriceLevel, initialPolicyRate float64) *Market {
	return &Market{st: marketState{
		PriceLevel: initialPriceLevel,
		PolicyRate: initialPolicyRate,
	}}
}

func (m *Market) Name() string { return GroupMarket }
func (m *Market) Count() int   { return 1 }

func (m *Market) Tick(tc *TickContext) error {
	if m.st.AccPriceCount > 0 {
		level := m.st.AccPriceSum / float64(m.st.AccPriceCount)
		if m.st.PriceLevel > 0 {
			perTick := (level - m.st.PriceLevel) / m.st.PriceLevel
			m.st.Inflation = perTick * TicksPerYear
		}
		m.st.PriceLevel = level
	}
	if m.st.AccLaborForce > 0 {
		m.st.Unemployment = 1 - float64(m.st.AccEmployed)/float64(m.st.AccLaborForce)
	}
	m.st.Output = m.st.AccOutput
	m.st.Consumption = m.st.AccConsumption

	m.st.AccPriceSum = 0
	m.st.AccPriceCount = 0
	m.st.AccEmployed = 0
	m.st.AccLaborForce = 0
	m.st.AccOutput = 0
	m.st.AccConsumption = 0

	tc.Emit(protocol.Event{
		Type: protocol.EventMarketIndicators,
		Tick: tc.Tick,
		Payload: map[string]any{
			"price_level":  m.st.PriceLevel,
			"inflation":    m.st.Inflation,
			"unemployment": m.st.Unemployment,
			"policy_rate":  m.st.PolicyRate,
			"output":       m.st.Output,
			"consumption":  m.st.Consumption,
		},
	})
	return nil
}

func (m *Market) SerializeState() ([]byte, error) { return encodeState(&m.st) }
func (m *Market) RestoreState(data []byte) error  { return decodeState(data, &m.st) }

// Indicator reads (previous tick's values).

func (m *Market) PriceLevel() float64   { return m.st.PriceLevel }
func (m *Market) Inflation() float64    { return m.st.Inflation }
func (m *Market) Unemployment() float64 { return m.st.Unemployment }
func (m *Market) PolicyRate() float64   { return m.st.PolicyRate }
func (m *Market) Consumption() float64  { return m.st.Consumption }
func (m *Market) Output() float64       { return m.st.Output }

// Accumulator writes (current tick).

func (m *Market) RecordPrice(p float64) {
	m.st.AccPriceSum += p
	m.st.AccPriceCount++
}

func (m *Market) RecordLabor(employed bool) {
	m.st.AccLaborForce++
	if employed {
		m.st.AccEmployed++
	}
}

func (m *Market) RecordOutput(q float64)      { m.st.AccOutput += q }
func (m *Market) RecordConsumption(c float64) { m.st.AccConsumption += c }

// SetPolicyRate is written by the central bank; everyone else reads it next
// tick.
func (m *Market) SetPolicyRate(r float64) { m.st.PolicyRate = r }
