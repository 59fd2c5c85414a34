package assistant

import (
	"errors"
	"fmt"
)

var (
	// ErrAdmissionDenied is returned when the daily gate is closed. No side effects have
	// happened when it is returned.
	ErrAdmissionDenied = errors.New("assistant: daily admission limit reached")
	// ErrInvalidSubmission is returned for missing or malformed request fields.
	ErrInvalidSubmission = errors.New("assistant: invalid submission")
	// ErrStorageUnavailable is returned when object storage is not configured.
	ErrStorageUnavailable = errors.New("assistant: object storage is not configured")
	// ErrFetchFailed wraps object download failures.
	ErrFetchFailed = errors.New("assistant: media download failed")
	// ErrUnsupportedMedia is returned for content types other than image/* and video/*.
	ErrUnsupportedMedia = errors.New("assistant: unsupported media type")
)

// ServiceError carries an operation.stage code identifying where processing stopped.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.stage identifier.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, stage string, cause error) error {
	return &ServiceError{code: operation + "." + stage, err: cause}
}
