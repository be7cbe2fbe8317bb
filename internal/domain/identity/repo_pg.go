package identity

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fitfull/consultation/internal/platform/db"
)

// -- Patient Repository --

type patientRepoPG struct {
	q db.Querier
}

func NewPatientRepo(q db.Querier) PatientRepository {
	return &patientRepoPG{q: q}
}

const patientCols = `id, name, email, created_at, updated_at`

func (r *patientRepoPG) Create(ctx context.Context, p *Patient) error {
	err := r.q.QueryRow(ctx, `
		INSERT INTO patient (id, name, email)
		VALUES ($1, $2, $3)
		RETURNING created_at, updated_at`,
		p.ID, p.Name, p.Email,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return ErrDuplicateEmail
	}
	return err
}

func (r *patientRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	var p Patient
	err := r.q.QueryRow(ctx, `SELECT `+patientCols+` FROM patient WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.Email, &p.CreatedAt, &p.UpdatedAt)
	if db.IsNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("patient get: %w", err)
	}
	return &p, nil
}

func (r *patientRepoPG) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	var ok bool
	err := r.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM patient WHERE id = $1)`, id).Scan(&ok)
	return ok, err
}

// -- Doctor Repository --

// Pool is the subset of *pgxpool.Pool the doctor repository uses.
type Pool interface {
	db.Querier
	db.TxBeginner
}

type doctorRepoPG struct {
	q    db.Querier
	pool Pool
}

func NewDoctorRepo(pool Pool) DoctorRepository {
	return &doctorRepoPG{q: pool, pool: pool}
}

const doctorCols = `id, name, email, specialty, is_available, created_at, updated_at`

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor
	err := row.Scan(&d.ID, &d.Name, &d.Email, &d.Specialty, &d.IsAvailable, &d.CreatedAt, &d.UpdatedAt)
	if db.IsNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *doctorRepoPG) Create(ctx context.Context, d *Doctor) error {
	err := r.q.QueryRow(ctx, `
		INSERT INTO doctor (id, name, email, specialty, is_available)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`,
		d.ID, d.Name, d.Email, d.Specialty, d.IsAvailable,
	).Scan(&d.CreatedAt, &d.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return ErrDuplicateEmail
	}
	return err
}

func (r *doctorRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	return scanDoctor(r.q.QueryRow(ctx, `SELECT `+doctorCols+` FROM doctor WHERE id = $1`, id))
}

func (r *doctorRepoPG) List(ctx context.Context, availableOnly bool, limit, offset int) ([]*Doctor, int, error) {
	where := ""
	if availableOnly {
		where = ` WHERE is_available`
	}

	var total int
	if err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM doctor`+where).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.q.Query(ctx, `SELECT `+doctorCols+` FROM doctor`+where+` ORDER BY name, id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var doctors []*Doctor
	for rows.Next() {
		d, err := scanDoctor(rows)
		if err != nil {
			return nil, 0, err
		}
		doctors = append(doctors, d)
	}
	return doctors, total, rows.Err()
}

// SetAvailability locks the doctor row before looking for Active sessions,
// so a claim committing concurrently is either seen here or applied after.
func (r *doctorRepoPG) SetAvailability(ctx context.Context, id uuid.UUID, available bool) (*Doctor, error) {
	var out *Doctor
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := scanDoctor(tx.QueryRow(ctx, `SELECT `+doctorCols+` FROM doctor WHERE id = $1 FOR UPDATE`, id)); err != nil {
			return err
		}
		if available {
			var busy bool
			err := tx.QueryRow(ctx, `
				SELECT EXISTS (SELECT 1 FROM consultation_session WHERE doctor_id = $1 AND status = 'Active')`,
				id).Scan(&busy)
			if err != nil {
				return fmt.Errorf("check active sessions: %w", err)
			}
			if busy {
				return ErrDoctorBusy
			}
		}
		d, err := scanDoctor(tx.QueryRow(ctx, `
			UPDATE doctor SET is_available = $2, updated_at = NOW()
			WHERE id = $1
			RETURNING `+doctorCols, id, available))
		if err != nil {
			return err
		}
		out = d
		return nil
	})
	return out, err
}

func (r *doctorRepoPG) FindAvailable(ctx context.Context) (*Doctor, error) {
	return scanDoctor(r.q.QueryRow(ctx, `
		SELECT `+doctorCols+` FROM doctor
		WHERE is_available
		ORDER BY updated_at, id
		LIMIT 1`))
}
