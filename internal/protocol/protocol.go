package protocol

// Version is the wire protocol version carried by WebSocket messages.
const Version = "1.0"

// Event is the wire form of one domain event. Events are immutable once
// published and carry the simulation tick at which they were generated,
// never wall-clock time.
type Event struct {
	Type    string         `json:"event_type"`
	ActorID string         `json:"actor_id,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
	Tick    uint64         `json:"tick"`
}

// Event types emitted by the kernel and the sample agent groups.
const (
	EventSchedulerState  = "scheduler.state"
	EventSnapshotCreated = "snapshot.created"
	EventTickError       = "scheduler.tick_error"

	EventMarketIndicators = "market.indicators"
	EventPersonHired      = "person.hired"
	EventPersonSeparated  = "person.separated"
	EventPersonRetired    = "person.retired"
	EventPersonDied       = "person.died"
	EventFirmBankrupt     = "firm.bankrupt"
	EventFirmPriceChange  = "firm.price_change"
	EventBankCreditEvent  = "bank.credit_event"
	EventPolicyRateChange = "policy.rate_change"
)

// SimulationStatus is the read-only view of the scheduler, refreshed once
// per tick and on every applied command.
type SimulationStatus struct {
	State          string  `json:"state"`
	Speed          float64 `json:"speed"`
	CurrentTick    uint64  `json:"current_tick"`
	TotalAgents    int     `json:"total_agents"`
	ElapsedWallMs  int64   `json:"elapsed_wall_ms"`
	TicksPerSecond float64 `json:"ticks_per_second"`
	MemoryBytes    uint64  `json:"memory_bytes"`
}

// Scheduler states as they appear on the wire.
const (
	StateStopped = "stopped"
	StateRunning = "running"
	StatePaused  = "paused"
	StateFaulted = "faulted"
)
