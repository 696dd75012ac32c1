package reducer

import (
	"fmt"
	"strings"

	"github.com/vietddude/reducer/internal/core/domain"
)

// EntityFailure is the failure of one entity within a batch.
type EntityFailure struct {
	EntityID string
	// Events lists the coordinates of the events that were being applied.
	Events []string
	Err    error
}

// BatchError aggregates per-entity failures of one OnEntityEvents call.
// Entities not listed were processed successfully.
type BatchError struct {
	Family   domain.Family
	Failures []EntityFailure
}

func (e *BatchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d %s entities failed:", len(e.Failures), e.Family)
	for _, f := range e.Failures {
		fmt.Fprintf(&b, " %s [%s]: %v;", f.EntityID, strings.Join(f.Events, ", "), f.Err)
	}
	return strings.TrimSuffix(b.String(), ";")
}

func (e *BatchError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// IDs returns the failed entity ids.
func (e *BatchError) IDs() []string {
	ids := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		ids = append(ids, f.EntityID)
	}
	return ids
}
