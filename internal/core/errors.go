// internal/core/errors.go
package core

import (
	"errors"
	"fmt"
)

// BusinessError represents a business logic error with a code.
type BusinessError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e BusinessError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches business errors by code so wrapped variants still compare equal.
func (e BusinessError) Is(target error) bool {
	var t BusinessError
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// Business errors.
var (
	// Device errors.
	ErrDeviceNotFound = BusinessError{"DEVICE_001", "device not found"}
	ErrDeviceRequired = BusinessError{"DEVICE_002", "Device ID required"}

	// Command errors.
	ErrCommandNotFound     = BusinessError{"COMMAND_001", "command not found"}
	ErrCommandAlreadyFinal = BusinessError{"COMMAND_002", "command already acknowledged"}
	ErrInvalidCommand      = BusinessError{"COMMAND_003", "invalid command"}
	ErrIllegalTransition   = BusinessError{"COMMAND_004", "illegal status transition"}

	// UID errors.
	ErrUIDRequired = BusinessError{"UID_001", "uid required"}
	ErrInvalidUID  = BusinessError{"UID_002", "uid must be hexadecimal"}
	ErrUIDNotFound = BusinessError{"UID_003", "uid entry not found"}
)

// validationError narrows a generic business error with request detail while
// keeping its code, so errors.Is still matches the sentinel.
func validationError(base BusinessError, detail string) BusinessError {
	return BusinessError{Code: base.Code, Message: fmt.Sprintf("%s: %s", base.Message, detail)}
}

// IsValidation reports whether err was caused by bad caller input.
func IsValidation(err error) bool {
	for _, target := range []error{ErrDeviceRequired, ErrInvalidCommand, ErrUIDRequired, ErrInvalidUID, ErrIllegalTransition} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsNotFound reports whether err means the requested row does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrDeviceNotFound) || errors.Is(err, ErrCommandNotFound) || errors.Is(err, ErrUIDNotFound)
}

// StoreError wraps a failure returned by the relational store. Its message is
// the store's own message so it can be passed through to callers.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return e.Err.Error()
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}
