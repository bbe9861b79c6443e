package spenttree

import (
	"errors"
	"fmt"

	"github.com/joeldejesus1/bitcrust/pkg/record"
)

// ErrOutputNotFound is returned (wrapped in a [SpendingError]) when a
// seek-and-set scan reaches the start-guard of the branch root without
// finding the transaction an output claims to spend.
var ErrOutputNotFound = errors.New("spenttree: output not found on branch")

// ErrOutputAlreadySpent is returned (wrapped in a [SpendingError]) when a
// seek-and-set scan finds the same (transaction, output index) pair spent
// earlier on the branch.
var ErrOutputAlreadySpent = errors.New("spenttree: output already spent on branch")

// SpendingError reports which output record within a block's scan failed,
// and why. When a block's parallel scan produces more than one failure,
// [ConnectBlock] reports the one with the lowest OutputIndex, matching the
// deterministic "lowest-indexed failing output wins" rule.
type SpendingError struct {
	// OutputIndex is the zero-based position, counting only the block's
	// output records in block order, of the output record that failed to
	// validate.
	OutputIndex int
	// Record is the output record's pointer in the arena.
	Record record.RecordPtr
	// Err is either [ErrOutputNotFound] or [ErrOutputAlreadySpent].
	Err error
}

func (e *SpendingError) Error() string {
	return fmt.Sprintf("spenttree: output #%d (%s): %v", e.OutputIndex, e.Record, e.Err)
}

func (e *SpendingError) Unwrap() error {
	return e.Err
}

func (e *SpendingError) Is(target error) bool {
	return errors.Is(e.Err, target)
}
