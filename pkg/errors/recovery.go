package errors

import (
	"fmt"
	"runtime/debug"
)

// PanicError is a recovered panic converted into an error. Chunk is the
// 1-based chunk ordinal being processed when the panic happened, or 0 when the
// panic is not tied to a chunk.
type PanicError struct {
	PanicValue interface{}
	StackTrace string
	Operation  string
	Chunk      int
}

func (e *PanicError) Error() string {
	if e.Chunk > 0 {
		return fmt.Sprintf("panic in %s (chunk %d): %v", e.Operation, e.Chunk, e.PanicValue)
	}
	return fmt.Sprintf("panic in %s: %v", e.Operation, e.PanicValue)
}

// String includes the captured stack trace.
func (e *PanicError) String() string {
	return e.Error() + "\nStack trace:\n" + e.StackTrace
}

// Unwrap exposes the panic value when it was itself an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.PanicValue.(error); ok {
		return err
	}
	return nil
}

// NewPanicError captures the current stack for a recovered panic value.
func NewPanicError(operation string, panicValue interface{}) *PanicError {
	return &PanicError{
		PanicValue: panicValue,
		StackTrace: string(debug.Stack()),
		Operation:  operation,
	}
}

// Recover converts a panic into an error. Use it with defer:
//
//	func (t *Trainer) step() (err error) {
//	    defer Recover(&err, "train")
//	    ...
//	}
//
// An error already set by the function is kept as the wrapped cause.
func Recover(err *error, operation string) {
	if r := recover(); r != nil {
		if *err != nil {
			*err = fmt.Errorf("panic in %s: %v (original error: %w)", operation, r, *err)
			return
		}
		*err = NewPanicError(operation, r)
	}
}

// SafeExecute runs fn and turns any panic into a *PanicError.
func SafeExecute(operation string, fn func() error) (err error) {
	defer Recover(&err, operation)
	return fn()
}

// SafeChunk runs fn for one chunk. A panic becomes a *PanicError carrying the
// chunk ordinal so the caller can log it and move on to the next chunk.
func SafeChunk(operation string, chunk int, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			pe := NewPanicError(operation, r)
			pe.Chunk = chunk
			err = pe
		}
	}()
	return fn()
}
