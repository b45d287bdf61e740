package access

import "errors"

// Domain errors for facade operations.
var (
	ErrHealingFailed = errors.New("record could not be healed")
	ErrNoRecords     = errors.New("no records provided")
)
