package models

import "errors"

// UPI parse failures
var (
	ErrMalformedUPIURI   = errors.New("Malformed UPI URI")
	ErrInvalidUPIScheme  = errors.New("Invalid UPI scheme")
	ErrInvalidUPIAction  = errors.New("Invalid UPI action")
	ErrMissingPayee      = errors.New("Missing required UPI field: pa")
	ErrInvalidUPIID      = errors.New("Invalid UPI ID format")
	ErrEmbeddedURL       = errors.New("Suspicious URL found inside UPI payload")
	ErrMalformedUPIQuery = errors.New("Malformed UPI query")
	ErrInvalidAmount     = errors.New("Invalid payment amount")
	ErrAmountNotANumber  = errors.New("Amount is not a valid number")
)

// QR decode failures
var (
	ErrImageNotFound = errors.New("Image file does not exist")
	ErrNoQRCode      = errors.New("No QR code detected in image")
	ErrEmptyPayload  = errors.New("QR code payload is empty")
	ErrDecodeFailed  = errors.New("QR decoding failed")
)

// ParseError is returned for any structural or safety violation in a UPI
// payload. It never accompanies a partial UPIIntent.
type ParseError struct {
	Kind  error
	Cause error
}

func (e *ParseError) Error() string {
	return e.Kind.Error()
}

func (e *ParseError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// DecodeError is returned when no payload can be read from a QR image
type DecodeError struct {
	Kind  error
	Cause error
}

func (e *DecodeError) Error() string {
	if e.Cause != nil {
		return e.Kind.Error() + ": " + e.Cause.Error()
	}
	return e.Kind.Error()
}

func (e *DecodeError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// NewDecodeError wraps an unexpected decoder fault
func NewDecodeError(kind, cause error) *DecodeError {
	return &DecodeError{Kind: kind, Cause: cause}
}
