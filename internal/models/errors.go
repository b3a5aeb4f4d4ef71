package models

import (
	"errors"
	"fmt"
)

// ErrValidation represents a validation error with field and message.
type ErrValidation struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e ErrValidation) Error() string {
	return fmt.Sprintf("validation error on field %s: %s", e.Field, e.Message)
}

// Common validation errors for models.
var (
	// ErrSceneIDRequired indicates a scene without an id.
	ErrSceneIDRequired = errors.New("scene id is required")

	// ErrAssetIDRequired indicates an asset without an id.
	ErrAssetIDRequired = errors.New("asset id is required")

	// ErrUserIDRequired indicates a stream key request without an owner.
	ErrUserIDRequired = errors.New("user id is required")

	// ErrStreamIDRequired indicates a stream key request without a stream.
	ErrStreamIDRequired = errors.New("stream id is required")
)
