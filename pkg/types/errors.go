package types

import "errors"

// Sentinel errors forming the closed error-kind enumeration. Every error
// surfaced at an API boundary wraps exactly one of these, so callers can
// classify failures with errors.Is.
var (
	ErrBadFileFormat       = errors.New("bad file format")
	ErrBadSequenceOfCalls  = errors.New("bad sequence of calls")
	ErrParameterOutOfRange = errors.New("parameter out of range")
	ErrNullPointer         = errors.New("null pointer")
	ErrNotEnoughMemory     = errors.New("not enough memory")
	ErrInternalError       = errors.New("internal error")
	ErrCannotWriteFile     = errors.New("cannot write file")
	ErrInexistentFile      = errors.New("inexistent file")
	ErrCorruptedFile       = errors.New("corrupted file")
	ErrFullStorage         = errors.New("storage full")
	ErrDatabase            = errors.New("database error")
	ErrUnknownResource     = errors.New("unknown resource")
	ErrInexistentItem      = errors.New("inexistent item")
	ErrCanceledJob         = errors.New("job canceled")
	ErrAlreadyExisting     = errors.New("already existing")
	ErrAlreadyExistingTag  = errors.New("already existing tag")
	ErrNotImplemented      = errors.New("not implemented")
)
