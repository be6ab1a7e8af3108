package host

import (
	"errors"
	"fmt"
)

// Status is the flat status code returned across the module boundary.
type Status uint32

const (
	Status_Success Status = iota
	Status_InvalidArch
	Status_ExternalError
	Status_FileNotFound
	Status_AccessDenied
	Status_AlreadyExists
	Status_InvalidParameter
	Status_InsufficientMemory
	Status_InvalidSignature
	Status_NotImplemented
	Status_InternalError
	Status_DependencyNotResolved
	Status_InitializationFailed
	Status_FilePartNotFound
	Status_ObjectNotFound
)

var (
	ErrInvalidArch           error = Status_InvalidArch
	ErrExternalError         error = Status_ExternalError
	ErrFileNotFound          error = Status_FileNotFound
	ErrAccessDenied          error = Status_AccessDenied
	ErrAlreadyExists         error = Status_AlreadyExists
	ErrInvalidParameter      error = Status_InvalidParameter
	ErrInsufficientMemory    error = Status_InsufficientMemory
	ErrInvalidSignature      error = Status_InvalidSignature
	ErrNotImplemented        error = Status_NotImplemented
	ErrInternalError         error = Status_InternalError
	ErrDependencyNotResolved error = Status_DependencyNotResolved
	ErrInitializationFailed  error = Status_InitializationFailed
	ErrFilePartNotFound      error = Status_FilePartNotFound
	ErrObjectNotFound        error = Status_ObjectNotFound
)

var statusText = [...]string{
	Status_Success:               "success",
	Status_InvalidArch:           "invalid architecture",
	Status_ExternalError:         "external error",
	Status_FileNotFound:          "file not found",
	Status_AccessDenied:          "access denied",
	Status_AlreadyExists:         "object already exists",
	Status_InvalidParameter:      "invalid parameter",
	Status_InsufficientMemory:    "insufficient memory",
	Status_InvalidSignature:      "invalid signature",
	Status_NotImplemented:        "not implemented",
	Status_InternalError:         "internal error",
	Status_DependencyNotResolved: "dependency not resolved",
	Status_InitializationFailed:  "initialization failed",
	Status_FilePartNotFound:      "file part not found",
	Status_ObjectNotFound:        "object not found",
}

func (s Status) Error() string {
	if int(s) < len(statusText) {
		return statusText[s]
	}
	return fmt.Sprintf("status %d", uint32(s))
}

// Err returns nil for Status_Success and s otherwise.
func (s Status) Err() error {
	if s == Status_Success {
		return nil
	}
	return s
}

// StatusOf maps err to a status code. Errors that carry no Status map to
// Status_ExternalError.
func StatusOf(err error) Status {
	if err == nil {
		return Status_Success
	}
	var s Status
	if errors.As(err, &s) {
		return s
	}
	return Status_ExternalError
}
