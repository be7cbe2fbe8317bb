package consultation

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ReasonExpired is the cancel reason recorded by the expiry sweeper.
const ReasonExpired = "expired"

// Repository persists sessions. Every state change is a conditional write
// on the current status, so concurrent callers cannot both succeed at the
// same transition. Methods that change status return the row as written.
type Repository interface {
	Create(ctx context.Context, s *Session) error
	GetByID(ctx context.Context, id uuid.UUID) (*Session, error)
	List(ctx context.Context, f ListFilter) ([]*Session, int, error)

	// Claim moves a claimable session to Active for doctorID and marks the
	// doctor unavailable in the same transaction.
	Claim(ctx context.Context, id, doctorID uuid.UUID, at time.Time) (*Session, error)
	// MarkJoined sets the role's joined flag. first is true only for the
	// call that flipped it.
	MarkJoined(ctx context.Context, id uuid.UUID, role Role, at time.Time) (first bool, s *Session, err error)
	// Complete moves an Active session to Completed and restores the
	// doctor's availability unless they hold another Active session.
	Complete(ctx context.Context, id uuid.UUID, at time.Time) (*Session, error)
	Cancel(ctx context.Context, id uuid.UUID, reason string, at time.Time) (*Session, error)
	SetUserNotes(ctx context.Context, id uuid.UUID, notes string, at time.Time) error
	SetDoctorFeedback(ctx context.Context, id uuid.UUID, feedback string, at time.Time) error

	// PromoteDue moves Upcoming sessions whose appointment time has come
	// to Pending.
	PromoteDue(ctx context.Context, now time.Time) ([]*Session, error)
	// ExpirePending cancels Pending sessions last updated before cutoff.
	ExpirePending(ctx context.Context, cutoff, now time.Time) ([]*Session, error)
	// CompleteAbandoned completes Active sessions accepted before cutoff.
	CompleteAbandoned(ctx context.Context, cutoff, now time.Time) ([]*Session, error)
}
