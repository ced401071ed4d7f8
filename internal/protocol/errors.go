package protocol

const (
	// Transport/request validation.
	ErrBadRequest = "E_BAD_REQUEST"

	// Scheduler command surface.
	ErrValidation        = "E_VALIDATION"
	ErrInvalidTransition = "E_INVALID_TRANSITION"
	ErrAgentTick         = "E_AGENT_TICK"
	ErrFaulted           = "E_FAULTED"

	// Snapshot surface.
	ErrSnapshotNotFound = "E_SNAPSHOT_NOT_FOUND"
	ErrSnapshotCorrupt  = "E_SNAPSHOT_CORRUPT"

	ErrInternal = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrBadRequest:        {},
	ErrValidation:        {},
	ErrInvalidTransition: {},
	ErrAgentTick:         {},
	ErrFaulted:           {},
	ErrSnapshotNotFound:  {},
	ErrSnapshotCorrupt:   {},
	ErrInternal:          {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
