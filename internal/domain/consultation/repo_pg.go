package consultation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fitfull/consultation/internal/platform/db"
	"github.com/fitfull/consultation/internal/platform/fieldcrypt"
)

// Pool is the subset of *pgxpool.Pool the repository uses.
type Pool interface {
	db.Querier
	db.TxBeginner
}

type sessionRepoPG struct {
	pool   Pool
	cipher *fieldcrypt.Cipher
}

// NewSessionRepo returns a Postgres-backed Repository. Issue details, notes
// and feedback are sealed with cipher before they are written.
func NewSessionRepo(pool Pool, cipher *fieldcrypt.Cipher) Repository {
	return &sessionRepoPG{pool: pool, cipher: cipher}
}

const sessionCols = `id, patient_id, doctor_id, matched_doctor_id, session_type, room_name,
	issue_details, status, appointment_time, start_time, end_time, user_joined, doctor_joined,
	user_notes, doctor_feedback, cancel_reason, accepted_at, ended_at, created_at, updated_at`

func (r *sessionRepoPG) scanSession(row pgx.Row) (*Session, error) {
	var s Session
	var typ, status string
	err := row.Scan(&s.ID, &s.PatientID, &s.DoctorID, &s.MatchedDoctorID, &typ, &s.RoomName,
		&s.IssueDetails, &status, &s.AppointmentTime, &s.StartTime, &s.EndTime, &s.UserJoined, &s.DoctorJoined,
		&s.UserNotes, &s.DoctorFeedback, &s.CancelReason, &s.AcceptedAt, &s.EndedAt, &s.CreatedAt, &s.UpdatedAt)
	if db.IsNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.Type = Type(typ)
	s.Status = Status(status)

	if s.IssueDetails, err = r.cipher.Open(s.IssueDetails); err != nil {
		return nil, fmt.Errorf("open issue details: %w", err)
	}
	if s.UserNotes, err = r.cipher.OpenPtr(s.UserNotes); err != nil {
		return nil, fmt.Errorf("open user notes: %w", err)
	}
	if s.DoctorFeedback, err = r.cipher.OpenPtr(s.DoctorFeedback); err != nil {
		return nil, fmt.Errorf("open doctor feedback: %w", err)
	}
	return &s, nil
}

func (r *sessionRepoPG) scanAll(rows pgx.Rows) ([]*Session, error) {
	defer rows.Close()
	var out []*Session
	for rows.Next() {
		s, err := r.scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *sessionRepoPG) Create(ctx context.Context, s *Session) error {
	issue, err := r.cipher.Seal(s.IssueDetails)
	if err != nil {
		return fmt.Errorf("seal issue details: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO consultation_session (id, patient_id, doctor_id, matched_doctor_id, session_type,
			room_name, issue_details, status, appointment_time, start_time, end_time, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)`,
		s.ID, s.PatientID, s.DoctorID, s.MatchedDoctorID, string(s.Type),
		s.RoomName, issue, string(s.Status), s.AppointmentTime, s.StartTime, s.EndTime, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("session create: %w", err)
	}
	return nil
}

func (r *sessionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Session, error) {
	return r.scanSession(r.pool.QueryRow(ctx, `SELECT `+sessionCols+` FROM consultation_session WHERE id = $1`, id))
}

func (r *sessionRepoPG) List(ctx context.Context, f ListFilter) ([]*Session, int, error) {
	var where []string
	var args []interface{}
	idx := 1
	add := func(cond string, arg interface{}) {
		where = append(where, fmt.Sprintf(cond, idx))
		args = append(args, arg)
		idx++
	}

	switch {
	case f.PatientID != nil:
		add("patient_id = $%d", *f.PatientID)
	case f.DoctorID != nil:
		add("doctor_id = $%d", *f.DoctorID)
	case f.QueueFor != nil:
		where = append(where, "status IN ('Upcoming', 'Pending')")
		add("(doctor_id IS NULL OR doctor_id = $%d)", *f.QueueFor)
	}
	if f.Status != nil {
		add("status = $%d", string(*f.Status))
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM consultation_session`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("session count: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM consultation_session%s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		sessionCols, clause, idx, idx+1)
	rows, err := r.pool.Query(ctx, query, append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("session list: %w", err)
	}
	sessions, err := r.scanAll(rows)
	if err != nil {
		return nil, 0, err
	}
	return sessions, total, nil
}

// statusOf explains why a conditional update matched no row.
func statusOf(ctx context.Context, q db.Querier, id uuid.UUID) (Status, error) {
	var st string
	err := q.QueryRow(ctx, `SELECT status FROM consultation_session WHERE id = $1`, id).Scan(&st)
	if db.IsNoRows(err) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return Status(st), nil
}

// setAvailability runs inside the claim or completion transaction. Before
// restoring availability it locks the doctor row, so the Active check below
// runs on a snapshot taken after any concurrent claim for the same doctor
// has committed.
func setAvailability(ctx context.Context, q db.Querier, doctorID uuid.UUID, available bool, at time.Time) error {
	if !available {
		_, err := q.Exec(ctx, `UPDATE doctor SET is_available = FALSE, updated_at = $2 WHERE id = $1`, doctorID, at)
		return err
	}
	if _, err := q.Exec(ctx, `SELECT 1 FROM doctor WHERE id = $1 FOR UPDATE`, doctorID); err != nil {
		return fmt.Errorf("lock doctor: %w", err)
	}
	_, err := q.Exec(ctx, `
		UPDATE doctor SET is_available = TRUE, updated_at = $2
		WHERE id = $1 AND NOT EXISTS (
			SELECT 1 FROM consultation_session WHERE doctor_id = $1 AND status = 'Active'
		)`, doctorID, at)
	return err
}

func (r *sessionRepoPG) Claim(ctx context.Context, id, doctorID uuid.UUID, at time.Time) (*Session, error) {
	var claimed *Session
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		s, err := r.scanSession(tx.QueryRow(ctx, `
			UPDATE consultation_session
			SET status = 'Active', doctor_id = $2, accepted_at = $3, updated_at = $3
			WHERE id = $1 AND status IN ('Upcoming', 'Pending') AND (doctor_id IS NULL OR doctor_id = $2)
			RETURNING `+sessionCols, id, doctorID, at))
		if errors.Is(err, ErrNotFound) {
			st, err := statusOf(ctx, tx, id)
			if err != nil {
				return err
			}
			return conflictError("accept", st)
		}
		if err != nil {
			return fmt.Errorf("session claim: %w", err)
		}
		if err := setAvailability(ctx, tx, doctorID, false, at); err != nil {
			return fmt.Errorf("mark doctor busy: %w", err)
		}
		claimed = s
		return nil
	})
	return claimed, err
}

func (r *sessionRepoPG) MarkJoined(ctx context.Context, id uuid.UUID, role Role, at time.Time) (bool, *Session, error) {
	col := "user_joined"
	if role == RoleDoctor {
		col = "doctor_joined"
	}
	s, err := r.scanSession(r.pool.QueryRow(ctx, `
		UPDATE consultation_session SET `+col+` = TRUE, updated_at = $2
		WHERE id = $1 AND status = 'Active' AND NOT `+col+`
		RETURNING `+sessionCols, id, at))
	if err == nil {
		return true, s, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return false, nil, fmt.Errorf("session join: %w", err)
	}

	s, err = r.GetByID(ctx, id)
	if err != nil {
		return false, nil, err
	}
	if s.Status != StatusActive {
		return false, nil, conflictError("join", s.Status)
	}
	return false, s, nil
}

func (r *sessionRepoPG) Complete(ctx context.Context, id uuid.UUID, at time.Time) (*Session, error) {
	var done *Session
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		s, err := r.scanSession(tx.QueryRow(ctx, `
			UPDATE consultation_session SET status = 'Completed', ended_at = $2, updated_at = $2
			WHERE id = $1 AND status = 'Active'
			RETURNING `+sessionCols, id, at))
		if errors.Is(err, ErrNotFound) {
			st, err := statusOf(ctx, tx, id)
			if err != nil {
				return err
			}
			return conflictError("end", st)
		}
		if err != nil {
			return fmt.Errorf("session complete: %w", err)
		}
		if s.DoctorID != nil {
			if err := setAvailability(ctx, tx, *s.DoctorID, true, at); err != nil {
				return fmt.Errorf("restore availability: %w", err)
			}
		}
		done = s
		return nil
	})
	return done, err
}

func (r *sessionRepoPG) Cancel(ctx context.Context, id uuid.UUID, reason string, at time.Time) (*Session, error) {
	s, err := r.scanSession(r.pool.QueryRow(ctx, `
		UPDATE consultation_session
		SET status = 'Cancelled', cancel_reason = $2, ended_at = $3, updated_at = $3
		WHERE id = $1 AND status IN ('Upcoming', 'Pending')
		RETURNING `+sessionCols, id, reason, at))
	if errors.Is(err, ErrNotFound) {
		st, err := statusOf(ctx, r.pool, id)
		if err != nil {
			return nil, err
		}
		return nil, conflictError("cancel", st)
	}
	if err != nil {
		return nil, fmt.Errorf("session cancel: %w", err)
	}
	return s, nil
}

func (r *sessionRepoPG) SetUserNotes(ctx context.Context, id uuid.UUID, notes string, at time.Time) error {
	sealed, err := r.cipher.Seal(notes)
	if err != nil {
		return fmt.Errorf("seal notes: %w", err)
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE consultation_session SET user_notes = $2, updated_at = $3
		WHERE id = $1 AND status = 'Active'`, id, sealed, at)
	if err != nil {
		return fmt.Errorf("session notes: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := statusOf(ctx, r.pool, id); err != nil {
			return err
		}
		return ErrNotActive
	}
	return nil
}

func (r *sessionRepoPG) SetDoctorFeedback(ctx context.Context, id uuid.UUID, feedback string, at time.Time) error {
	sealed, err := r.cipher.Seal(feedback)
	if err != nil {
		return fmt.Errorf("seal feedback: %w", err)
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE consultation_session SET doctor_feedback = $2, updated_at = $3
		WHERE id = $1 AND status = 'Completed'`, id, sealed, at)
	if err != nil {
		return fmt.Errorf("session feedback: %w", err)
	}
	if tag.RowsAffected() == 0 {
		st, err := statusOf(ctx, r.pool, id)
		if err != nil {
			return err
		}
		return conflictError("add feedback to", st)
	}
	return nil
}

func (r *sessionRepoPG) PromoteDue(ctx context.Context, now time.Time) ([]*Session, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE consultation_session SET status = 'Pending', updated_at = $1
		WHERE status = 'Upcoming' AND appointment_time <= $1
		RETURNING `+sessionCols, now)
	if err != nil {
		return nil, fmt.Errorf("promote due: %w", err)
	}
	return r.scanAll(rows)
}

func (r *sessionRepoPG) ExpirePending(ctx context.Context, cutoff, now time.Time) ([]*Session, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE consultation_session
		SET status = 'Cancelled', cancel_reason = $3, ended_at = $2, updated_at = $2
		WHERE status = 'Pending' AND updated_at < $1
		RETURNING `+sessionCols, cutoff, now, ReasonExpired)
	if err != nil {
		return nil, fmt.Errorf("expire pending: %w", err)
	}
	return r.scanAll(rows)
}

func (r *sessionRepoPG) CompleteAbandoned(ctx context.Context, cutoff, now time.Time) ([]*Session, error) {
	var done []*Session
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			UPDATE consultation_session SET status = 'Completed', ended_at = $2, updated_at = $2
			WHERE status = 'Active' AND accepted_at < $1
			RETURNING `+sessionCols, cutoff, now)
		if err != nil {
			return fmt.Errorf("complete abandoned: %w", err)
		}
		if done, err = r.scanAll(rows); err != nil {
			return err
		}
		for _, s := range done {
			if s.DoctorID == nil {
				continue
			}
			if err := setAvailability(ctx, tx, *s.DoctorID, true, now); err != nil {
				return fmt.Errorf("restore availability: %w", err)
			}
		}
		return nil
	})
	return done, err
}
