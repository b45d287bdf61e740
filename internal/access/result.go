package access

import (
	"github.com/JaimeStill/mend/internal/schema"
	"github.com/JaimeStill/mend/pkg/record"
)

// FailedRecord identifies one record of a batch that could not be healed,
// with the validation errors that remained after exhaustion.
type FailedRecord struct {
	Index  int
	Record record.Record
	Errors []schema.ValidationError
}

// Result is the per-verb outcome. It distinguishes "nothing happened"
// (Err set, no Data), "everything happened" (Data set, no FailedRecords),
// and "some of it happened" (PartialSuccess with FailedRecords).
type Result struct {
	Data           []record.Record
	Count          int64
	Err            error
	Healed         bool
	Attempts       int
	PartialSuccess bool
	FailedRecords  []FailedRecord
}

func failed(err error) *Result {
	return &Result{Err: err}
}
