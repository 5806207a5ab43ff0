package dispatch

import (
	"errors"
	"fmt"

	"campaignq/internal/quota"
)

var (
	ErrUnknownCampaign   = errors.New("unknown campaign")
	ErrUnknownItem       = errors.New("unknown queue item")
	ErrInvalidOutcome    = errors.New("outcome must be sent or failed")
	ErrNotRunning        = errors.New("scheduler not running")
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrStoreUnavailable is fatal to a run: quota correctness needs durable state.
	ErrStoreUnavailable = quota.ErrStoreUnavailable
)

// InvalidRecipientError is reported for each recipient dropped at enqueue.
type InvalidRecipientError struct {
	CampaignID  string
	RecipientID string
	Index       int
	Reason      string
}

func (e *InvalidRecipientError) Error() string {
	id := e.RecipientID
	if id == "" {
		id = fmt.Sprintf("#%d", e.Index)
	}
	return fmt.Sprintf("campaign %s: recipient %s: %s", e.CampaignID, id, e.Reason)
}

// DispatchError is a per-item delivery failure. It is recorded on the item
// and never stops the run.
type DispatchError struct {
	ItemID  string
	Address string
	Timeout bool
	Err     error
}

func (e *DispatchError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("dispatch %s to %s: timed out: %v", e.ItemID, e.Address, e.Err)
	}
	return fmt.Sprintf("dispatch %s to %s: %v", e.ItemID, e.Address, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// JournalError wraps an item store failure. It matches ErrStoreUnavailable.
type JournalError struct {
	Op  string
	Err error
}

func (e *JournalError) Error() string { return fmt.Sprintf("queue journal %s: %v", e.Op, e.Err) }

func (e *JournalError) Unwrap() error { return e.Err }

func (e *JournalError) Is(target error) bool { return target == ErrStoreUnavailable }

// TransitionError is returned when an operation is not allowed in the current state.
type TransitionError struct {
	CampaignID string
	Op         string
	From       State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("campaign %s: cannot %s while %s", e.CampaignID, e.Op, e.From)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }
