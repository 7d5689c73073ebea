package service

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-chat/internal/dto"
)

var (
	// ErrAuthentication rejects a connection before any state is touched.
	ErrAuthentication = errors.New("authentication failed")
	// ErrAccessDenied indicates the user may not act on the room.
	ErrAccessDenied = errors.New("access denied")
	// ErrNotFound indicates a missing message, room or user.
	ErrNotFound = errors.New("not found")
	// ErrPersistence indicates a durable operation failed.
	ErrPersistence = errors.New("persistence failure")
	// ErrValidation indicates a malformed payload.
	ErrValidation = errors.New("invalid payload")
)

func storeError(err error, subject string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, subject)
	}
	return fmt.Errorf("%w: %s: %v", ErrPersistence, subject, err)
}

func validationError(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) && len(validationErrors) > 0 {
		first := validationErrors[0]
		return fmt.Errorf("%w: field %s failed %s", ErrValidation, first.Field(), first.Tag())
	}
	return fmt.Errorf("%w: %v", ErrValidation, err)
}

// ErrorKind classifies an engine error for metrics and logs.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrAuthentication):
		return "authentication"
	case errors.Is(err, ErrAccessDenied):
		return "access_denied"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrValidation), errors.Is(err, dto.ErrInvalidEvent):
		return "validation"
	case errors.Is(err, ErrPersistence):
		return "persistence"
	default:
		return "internal"
	}
}

// clientErrorMessage is the text sent back on the error event. Store failures are not echoed verbatim.
func clientErrorMessage(event string, err error) string {
	switch ErrorKind(err) {
	case "access_denied":
		return "access denied to this room"
	case "not_found", "validation", "authentication":
		return err.Error()
	case "persistence":
		return fmt.Sprintf("failed to process %s", event)
	default:
		return "internal error"
	}
}
