package identity

import (
	"context"

	"github.com/google/uuid"
)

type Service struct {
	patients PatientRepository
	doctors  DoctorRepository
}

func NewService(patients PatientRepository, doctors DoctorRepository) *Service {
	return &Service{patients: patients, doctors: doctors}
}

// -- Patient --

func (s *Service) CreatePatient(ctx context.Context, p *Patient) error {
	p.Email = normalizeEmail(p.Email)
	if err := validateContact(p.Name, p.Email); err != nil {
		return err
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return s.patients.Create(ctx, p)
}

func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.patients.GetByID(ctx, id)
}

// PatientExists reports whether id resolves to a registered patient.
func (s *Service) PatientExists(ctx context.Context, id uuid.UUID) (bool, error) {
	return s.patients.Exists(ctx, id)
}

// -- Doctor --

// CreateDoctor registers a doctor. New doctors start available.
func (s *Service) CreateDoctor(ctx context.Context, d *Doctor) error {
	d.Email = normalizeEmail(d.Email)
	if err := validateContact(d.Name, d.Email); err != nil {
		return err
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	d.IsAvailable = true
	return s.doctors.Create(ctx, d)
}

func (s *Service) GetDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	return s.doctors.GetByID(ctx, id)
}

func (s *Service) ListDoctors(ctx context.Context, availableOnly bool, limit, offset int) ([]*Doctor, int, error) {
	return s.doctors.List(ctx, availableOnly, limit, offset)
}

// SetAvailability is the doctor's own on/off-duty toggle. Going on duty
// fails with ErrDoctorBusy while a session is Active.
func (s *Service) SetAvailability(ctx context.Context, id uuid.UUID, available bool) (*Doctor, error) {
	return s.doctors.SetAvailability(ctx, id, available)
}

// FindAvailableDoctor picks a doctor for auto-match. It returns ErrNotFound
// when every doctor is busy or off duty.
func (s *Service) FindAvailableDoctor(ctx context.Context) (*Doctor, error) {
	return s.doctors.FindAvailable(ctx)
}
