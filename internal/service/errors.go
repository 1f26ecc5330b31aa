package service

import (
	"errors"
	"fmt"

	"github.com/stemsi/exstem-cbt/internal/model"
)

// Session engine errors.
var (
	ErrSessionNotActive       = errors.New("no active exam session")
	ErrSessionFrozen          = errors.New("exam session no longer accepts changes")
	ErrSessionDetached        = errors.New("exam session was left, start it again to resume")
	ErrUnknownQuestion        = errors.New("question is not part of this exam")
	ErrSubmitInProgress       = errors.New("submission already in progress")
	ErrSubmissionFailed       = errors.New("submission failed, answers are kept")
	ErrAttemptAlreadyRecorded = errors.New("attempt already recorded")
)

// BlockedError is returned when AccessGuard refuses an attempt.
type BlockedError struct {
	Reason model.BlockReason
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("exam attempt blocked: %s", e.Reason)
}

// BlockReasonOf extracts the block reason from err, if any.
func BlockReasonOf(err error) (model.BlockReason, bool) {
	var be *BlockedError
	if errors.As(err, &be) {
		return be.Reason, true
	}
	return "", false
}
