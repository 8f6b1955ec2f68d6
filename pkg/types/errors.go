package types

import (
	"errors"
	"fmt"
)

// Error categories. Every error produced by the pipeline wraps exactly one of them.
var (
	ErrInput              = errors.New("invalid input")
	ErrGeometry           = errors.New("invalid geometry")
	ErrStorage            = errors.New("storage unavailable")
	ErrNetwork            = errors.New("network failure")
	ErrExportPrecondition = errors.New("export precondition failed")
)

// Specific errors
var (
	ErrNoFile               = fmt.Errorf("%w: no file provided", ErrInput)
	ErrEmptyDocument        = fmt.Errorf("%w: document has no pages", ErrInput)
	ErrStageOrder           = fmt.Errorf("%w: operation not allowed in current stage", ErrInput)
	ErrUnknownEntity        = fmt.Errorf("%w: unknown entity", ErrInput)
	ErrDegenerateGeometry   = fmt.Errorf("%w: width and height must be positive", ErrGeometry)
	ErrInsufficientVertices = fmt.Errorf("%w: an area needs at least 3 vertices", ErrGeometry)
	ErrNoStalls             = fmt.Errorf("%w: at least one stall is required", ErrExportPrecondition)
)

// UnsupportedFormatError is returned for uploads whose MIME type cannot be decoded
type UnsupportedFormatError struct {
	MIME string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("unsupported format %q", e.MIME)
}

// Unwrap lets errors.Is(err, ErrInput) match
func (e *UnsupportedFormatError) Unwrap() error { return ErrInput }

// ServerError carries the message returned by the persistence API verbatim
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "server rejected save: " + e.Message
}

// Unwrap lets errors.Is(err, ErrNetwork) match
func (e *ServerError) Unwrap() error { return ErrNetwork }

// OperatorMessage maps err to a short string fit for the operator
func OperatorMessage(err error) string {
	if err == nil {
		return ""
	}
	var ufe *UnsupportedFormatError
	var se *ServerError
	switch {
	case errors.As(err, &ufe):
		return "This file type is not supported. Upload a PNG, JPEG, WebP, TIFF or PDF."
	case errors.As(err, &se):
		return se.Message
	case errors.Is(err, ErrNoFile):
		return "Select a file first."
	case errors.Is(err, ErrEmptyDocument):
		return "The PDF has no usable page."
	case errors.Is(err, ErrStageOrder):
		return "Complete the previous step first."
	case errors.Is(err, ErrUnknownEntity):
		return "The selected item no longer exists."
	case errors.Is(err, ErrInsufficientVertices):
		return "An area needs at least 3 points."
	case errors.Is(err, ErrDegenerateGeometry):
		return "Width and height must be greater than zero."
	case errors.Is(err, ErrNoStalls):
		return "Add at least one stall before exporting."
	case errors.Is(err, ErrInput):
		return "The input is not valid."
	case errors.Is(err, ErrGeometry):
		return "The geometry is not valid."
	case errors.Is(err, ErrStorage):
		return "Local storage is not available."
	case errors.Is(err, ErrNetwork):
		return "The server could not be reached. Try again."
	default:
		return "Unexpected error."
	}
}
