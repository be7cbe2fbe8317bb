package consultation

import (
	"errors"
	"fmt"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrNotFound            = errors.New("session not found")
	ErrPatientNotFound     = errors.New("patient not found")
	ErrDoctorNotFound      = errors.New("doctor not found")
	ErrNoProviderAvailable = errors.New("no doctor available")
	ErrForbidden           = errors.New("not a party to this session")
	ErrConflict            = errors.New("session is not in a state that allows this")
	ErrNotActive           = errors.New("session is not active")
)

func validationError(msg string) error {
	return fmt.Errorf("%w: %s", ErrValidation, msg)
}

func conflictError(op string, st Status) error {
	return fmt.Errorf("%w: cannot %s a %s session", ErrConflict, op, st)
}
