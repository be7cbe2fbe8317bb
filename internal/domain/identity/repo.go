package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrDuplicateEmail = errors.New("email already registered")
	ErrValidation     = errors.New("validation failed")
	// ErrDoctorBusy rejects going on duty while holding an Active session.
	ErrDoctorBusy     = errors.New("doctor has an active session")
)

func validationError(msg string) error {
	return fmt.Errorf("%w: %s", ErrValidation, msg)
}

type PatientRepository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
}

type DoctorRepository interface {
	Create(ctx context.Context, d *Doctor) error
	GetByID(ctx context.Context, id uuid.UUID) (*Doctor, error)
	List(ctx context.Context, availableOnly bool, limit, offset int) ([]*Doctor, int, error)
	// SetAvailability returns ErrDoctorBusy when available is true and the
	// doctor still has an Active session.
	SetAvailability(ctx context.Context, id uuid.UUID, available bool) (*Doctor, error)
	// FindAvailable returns the available doctor who has been idle longest,
	// or ErrNotFound.
	FindAvailable(ctx context.Context) (*Doctor, error)
}
