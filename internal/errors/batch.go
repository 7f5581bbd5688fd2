package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Batch accumulates the failures of a multi-row operation so the Bulk
// Writer and batch event ingestion can report everything that went wrong,
// not just the first row. The zero value is ready to use and, while empty,
// is not an error.
//
// Adding a Batch (or an error wrapping one) to another flattens it, so a
// Batch never nests.
type Batch struct {
	errs []error
}

// Add appends the given errors, skipping nils and flattening nested
// batches.
func (b *Batch) Add(errs ...error) {
	for _, err := range errs {
		if err == nil {
			continue
		}
		var nested *Batch
		if stderrors.As(err, &nested) {
			b.errs = append(b.errs, nested.errs...)
			continue
		}
		b.errs = append(b.errs, err)
	}
}

// Len returns the number of collected errors.
func (b Batch) Len() int {
	return len(b.errs)
}

// GetErrors returns a copy of the collected errors.
func (b Batch) GetErrors() []error {
	if len(b.errs) == 0 {
		return nil
	}
	out := make([]error, len(b.errs))
	copy(out, b.errs)
	return out
}

// Compile returns nil when the batch is empty, the sole error when it holds
// exactly one, and the batch itself otherwise. Callers should always return
// Compile() rather than the batch directly so an all-success run maps to a
// nil error.
func (b *Batch) Compile() error {
	switch len(b.errs) {
	case 0:
		return nil
	case 1:
		return b.errs[0]
	default:
		return b
	}
}

func (b *Batch) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d errors in batch: ", len(b.errs))
	for i, err := range b.errs {
		if i > 0 {
			sb.WriteString("; ")
		}
		sb.WriteString(err.Error())
	}
	return sb.String()
}

// Unwrap supports errors.Is/errors.As over every collected error.
func (b *Batch) Unwrap() []error {
	return b.GetErrors()
}
