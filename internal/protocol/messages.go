package protocol

// Control request bodies.

type PlayRequest struct {
	Speed float64 `json:"speed"`
}

type StepRequest struct {
	Steps uint32 `json:"steps"`
}

type SpeedRequest struct {
	Speed float64 `json:"speed"`
}

type JumpRequest struct {
	TargetTick uint64 `json:"target_tick"`
}

type RewindRequest struct {
	TargetTick uint64 `json:"target_tick"`
}

// Snapshot surface bodies.

type SnapshotCreateRequest struct {
	Description string `json:"description,omitempty"`
}

type SnapshotCleanupRequest struct {
	Keep int `json:"keep"`
}

type SnapshotInfo struct {
	Tick        uint64 `json:"tick"`
	Size        int64  `json:"size"`
	Path        string `json:"path"`
	Hash        string `json:"hash"`
	Manual      bool   `json:"manual,omitempty"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at"`
}

type SnapshotStats struct {
	TotalSnapshots int   `json:"total_snapshots"`
	TotalSize      int64 `json:"total_size"`
}

// ErrorResponse is the uniform error body of the HTTP surface.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WebSocket messages.

const (
	TypeSubscribe   = "SUBSCRIBE"
	TypeUnsubscribe = "UNSUBSCRIBE"
	TypeSubscribed  = "SUBSCRIBED"
	TypeEvent       = "EVENT"
)

type SubscribeMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	Topics          []string `json:"topics"`
}

type SubscribedMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	Topics          []string `json:"topics"`
}

type EventMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Event           Event  `json:"event"`
}
