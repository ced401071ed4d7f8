package engine

import (
	"errors"
	"fmt"

	"econsim.ai/internal/persistence/snapshot"
	"econsim.ai/internal/protocol"
)

// ErrStopped is returned by the command API after the run loop has exited.
var ErrStopped = errors.New("engine: scheduler stopped")

// InvalidTransitionError reports a command that is illegal in the current
// scheduler state. The command is rejected synchronously and the clock is
// unchanged.
type InvalidTransitionError struct {
	Command string
	State   string
	Reason  string
}

func (e *InvalidTransitionError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("engine: %s invalid in state %s", e.Command, e.State)
	}
	return fmt.Sprintf("engine: %s invalid in state %s: %s", e.Command, e.State, e.Reason)
}

// ValidationError reports a bad command parameter.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("engine: invalid %s: %s", e.Field, e.Reason)
}

// FaultedError rejects any command other than reset while the scheduler is
// faulted.
type FaultedError struct {
	Command string
	Cause   error
}

func (e *FaultedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("engine: %s rejected, scheduler faulted (reset required)", e.Command)
	}
	return fmt.Sprintf("engine: %s rejected, scheduler faulted (reset required): %v", e.Command, e.Cause)
}

func (e *FaultedError) Unwrap() error { return e.Cause }

// AgentTickError reports a group tick that failed. The tick was rolled back
// and not committed; partial-tick application would break determinism.
type AgentTickError struct {
	Group string
	Tick  uint64
	Err   error
}

func (e *AgentTickError) Error() string {
	return fmt.Sprintf("engine: group %s failed at tick %d: %v", e.Group, e.Tick, e.Err)
}

func (e *AgentTickError) Unwrap() error { return e.Err }

// ErrorCode maps command-API errors onto wire error codes for the
// transport layer.
func ErrorCode(err error) string {
	var (
		transition *InvalidTransitionError
		validation *ValidationError
		faulted    *FaultedError
		agent      *AgentTickError
		corrupt    *snapshot.CorruptError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &validation):
		return protocol.ErrValidation
	case errors.As(err, &transition):
		return protocol.ErrInvalidTransition
	case errors.As(err, &faulted):
		return protocol.ErrFaulted
	case errors.As(err, &agent):
		return protocol.ErrAgentTick
	case errors.As(err, &corrupt):
		return protocol.ErrSnapshotCorrupt
	case errors.Is(err, snapshot.ErrNotFound):
		return protocol.ErrSnapshotNotFound
	default:
		return protocol.ErrInternal
	}
}
