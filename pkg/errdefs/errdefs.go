package errdefs

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across components. Callers match with errors.Is.
var (
	// ErrNotFound indicates a requested entity does not exist
	ErrNotFound = errors.New("not found")

	// ErrOptimisticLock indicates a conditional update lost the race
	ErrOptimisticLock = errors.New("optimistic lock failed")

	// ErrLeaseExpired indicates a lease-stored key vanished before an update
	ErrLeaseExpired = errors.New("lease expired")

	// ErrNoQueueAvailable indicates every candidate queue rejected admission
	ErrNoQueueAvailable = errors.New("no queue available")

	// ErrAgentUnreachable indicates the agent RPC retry budget was exhausted
	ErrAgentUnreachable = errors.New("agent unreachable")

	// ErrCacheIO indicates a local blob cache read or write failed
	ErrCacheIO = errors.New("cache io failure")

	// ErrMultipartNotFound indicates no active session for the meta id
	ErrMultipartNotFound = errors.New("multipart session not found")

	// ErrUnmatchedHash indicates the assembled content does not hash to the
	// declared value
	ErrUnmatchedHash = errors.New("hash not match")

	// ErrLockRetryExhausted indicates the multipart CAS loop ran out of
	// retries
	ErrLockRetryExhausted = errors.New("lock retry exhausted")
)

// ConflictedHashError is returned when a hash is already under upload by a
// different meta id. Hash uniqueness is enforced across in-flight uploads.
type ConflictedHashError struct {
	ExistingMetaID string
	Hash           string
}

func (e *ConflictedHashError) Error() string {
	return fmt.Sprintf("hash %s already under upload by meta %s", e.Hash, e.ExistingMetaID)
}

// ConflictedIDError is returned when a meta id already has an active
// multipart session.
type ConflictedIDError struct {
	MetaID string
}

func (e *ConflictedIDError) Error() string {
	return fmt.Sprintf("meta %s already has an active multipart session", e.MetaID)
}

// FlashUploadError short-circuits an upload whose content the system already
// holds. It is raised as an error for control-flow reasons only and is
// success-equivalent at the boundary.
type FlashUploadError struct {
	Destination string
	Hash        string
	MetaID      string
	AlreadyID   string
}

func (e *FlashUploadError) Error() string {
	return fmt.Sprintf("flash upload: hash %s already stored as meta %s", e.Hash, e.AlreadyID)
}

// IsFlashUpload reports whether err is the flash-upload sentinel.
func IsFlashUpload(err error) bool {
	var fe *FlashUploadError
	return errors.As(err, &fe)
}

// DraftRule identifies one draft validation rule
type DraftRule int

const (
	RuleNonEmptyDrafts DraftRule = iota + 1
	RuleRelationRefsExist
	RuleSlotPairsMatch
	RuleMatchRegexSingleInput
	RuleOriginalBatchInputs
	RuleFromBatchUpstreamBatched
	RuleSingleBatchStrategy
	RuleSchedulingQueuesListed
	RuleSlotContents
	RuleFileMetaKnown
)

// DraftViolationError is the first rule a draft breaks. Code is the stable
// numeric code surfaced at the boundary (HTTP 400 + code).
type DraftViolationError struct {
	Rule   DraftRule
	NodeID string
	Slot   string
	Detail string
}

// Code returns the stable numeric code for the violated rule.
func (e *DraftViolationError) Code() int {
	return 40000 + int(e.Rule)
}

func (e *DraftViolationError) Error() string {
	msg := fmt.Sprintf("draft violation %d: %s", e.Code(), e.Detail)
	if e.NodeID != "" {
		msg += fmt.Sprintf(" (node %s", e.NodeID)
		if e.Slot != "" {
			msg += fmt.Sprintf(", slot %s", e.Slot)
		}
		msg += ")"
	}
	return msg
}
