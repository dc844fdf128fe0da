package utils

import (
	"github.com/pkg/errors"
)

// Fatal error classes. Every failure surfaced by a capture run wraps exactly one of these so
// callers can classify it with errors.Is regardless of how much context was added on the way up.
var (
	// ErrDeviceUnavailable means no sensor was found or the driver failed to initialize.
	ErrDeviceUnavailable = errors.New("device unavailable")
	// ErrAcquisition means a single frame update failed on transport or timeout.
	ErrAcquisition = errors.New("acquisition error")
	// ErrStorage means the dump container could not be created, written or closed.
	ErrStorage = errors.New("storage error")
	// ErrInvalidArgument means bad user input or an out of range parameter.
	ErrInvalidArgument = errors.New("invalid argument")
)

type classifiedError struct {
	class error
	cause error
}

func (e *classifiedError) Error() string {
	return e.class.Error() + ": " + e.cause.Error()
}

// Is reports whether target is the class of this error, letting errors.Is see the class even
// though Unwrap leads to the cause.
func (e *classifiedError) Is(target error) bool {
	return target == e.class
}

func (e *classifiedError) Unwrap() error {
	return e.cause
}

// Classify attaches an error class to err. A nil err stays nil and an err already carrying
// class is returned unchanged.
func Classify(class, err error) error {
	if err == nil || errors.Is(err, class) {
		return err
	}
	return &classifiedError{class: class, cause: err}
}

// NewDeviceUnavailableError returns an ErrDeviceUnavailable with a formatted reason.
func NewDeviceUnavailableError(format string, args ...interface{}) error {
	return errors.Wrapf(ErrDeviceUnavailable, format, args...)
}

// NewAcquisitionError returns an ErrAcquisition with a formatted reason.
func NewAcquisitionError(format string, args ...interface{}) error {
	return errors.Wrapf(ErrAcquisition, format, args...)
}

// NewStorageError returns an ErrStorage with a formatted reason.
func NewStorageError(format string, args ...interface{}) error {
	return errors.Wrapf(ErrStorage, format, args...)
}

// NewInvalidArgumentError returns an ErrInvalidArgument with a formatted reason.
func NewInvalidArgumentError(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidArgument, format, args...)
}
