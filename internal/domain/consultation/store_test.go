package consultation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fitfull/consultation/internal/domain/identity"
	"github.com/fitfull/consultation/internal/platform/websocket"
)

// memStore is an in-memory Repository and Directory. One mutex guards both
// so Claim and Complete update the session and the doctor together, like
// the Postgres transactions do.
type memStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
	patients map[uuid.UUID]bool
	doctors  map[uuid.UUID]*identity.Doctor
}

func newMemStore() *memStore {
	return &memStore{
		sessions: make(map[uuid.UUID]*Session),
		patients: make(map[uuid.UUID]bool),
		doctors:  make(map[uuid.UUID]*identity.Doctor),
	}
}

func (m *memStore) addPatient() uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	m.patients[id] = true
	return id
}

func (m *memStore) addDoctor(available bool) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	m.doctors[id] = &identity.Doctor{
		ID:          id,
		Name:        "Dr. " + id.String()[:8],
		IsAvailable: available,
		UpdatedAt:   time.Unix(int64(len(m.doctors)), 0),
	}
	return id
}

func (m *memStore) available(id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doctors[id].IsAvailable
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func cloneSession(s *Session) *Session {
	c := *s
	return &c
}

// -- Directory --

func (m *memStore) PatientExists(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.patients[id], nil
}

func (m *memStore) GetDoctor(_ context.Context, id uuid.UUID) (*identity.Doctor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.doctors[id]
	if !ok {
		return nil, identity.ErrNotFound
	}
	c := *d
	return &c, nil
}

func (m *memStore) FindAvailableDoctor(_ context.Context) (*identity.Doctor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *identity.Doctor
	for _, d := range m.doctors {
		if !d.IsAvailable {
			continue
		}
		if best == nil || d.UpdatedAt.Before(best.UpdatedAt) {
			best = d
		}
	}
	if best == nil {
		return nil, identity.ErrNotFound
	}
	c := *best
	return &c, nil
}

// -- Repository --

func (m *memStore) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = cloneSession(s)
	return nil
}

func (m *memStore) GetByID(_ context.Context, id uuid.UUID) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(s), nil
}

func (m *memStore) List(_ context.Context, f ListFilter) ([]*Session, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Session
	for _, s := range m.sessions {
		if f.Match(s) {
			all = append(all, cloneSession(s))
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := len(all)
	if f.Offset >= total {
		return nil, total, nil
	}
	end := f.Offset + f.Limit
	if end > total {
		end = total
	}
	return all[f.Offset:end], total, nil
}

func (m *memStore) setAvailabilityLocked(doctorID uuid.UUID, available bool, at time.Time) {
	d, ok := m.doctors[doctorID]
	if !ok {
		return
	}
	if available {
		for _, s := range m.sessions {
			if s.Status == StatusActive && s.DoctorID != nil && *s.DoctorID == doctorID {
				return
			}
		}
	}
	d.IsAvailable = available
	d.UpdatedAt = at
}

func (m *memStore) Claim(_ context.Context, id, doctorID uuid.UUID, at time.Time) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !s.Status.Claimable() || (s.DoctorID != nil && *s.DoctorID != doctorID) {
		return nil, conflictError("accept", s.Status)
	}
	s.Status = StatusActive
	s.DoctorID = &doctorID
	s.AcceptedAt = &at
	s.UpdatedAt = at
	m.setAvailabilityLocked(doctorID, false, at)
	return cloneSession(s), nil
}

func (m *memStore) MarkJoined(_ context.Context, id uuid.UUID, role Role, at time.Time) (bool, *Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return false, nil, ErrNotFound
	}
	if s.Status != StatusActive {
		return false, nil, conflictError("join", s.Status)
	}
	flag := &s.UserJoined
	if role == RoleDoctor {
		flag = &s.DoctorJoined
	}
	if *flag {
		return false, cloneSession(s), nil
	}
	*flag = true
	s.UpdatedAt = at
	return true, cloneSession(s), nil
}

func (m *memStore) completeLocked(s *Session, at time.Time) {
	s.Status = StatusCompleted
	s.EndedAt = &at
	s.UpdatedAt = at
	if s.DoctorID != nil {
		m.setAvailabilityLocked(*s.DoctorID, true, at)
	}
}

func (m *memStore) Complete(_ context.Context, id uuid.UUID, at time.Time) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if s.Status != StatusActive {
		return nil, conflictError("end", s.Status)
	}
	m.completeLocked(s, at)
	return cloneSession(s), nil
}

func (m *memStore) Cancel(_ context.Context, id uuid.UUID, reason string, at time.Time) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !s.Status.Claimable() {
		return nil, conflictError("cancel", s.Status)
	}
	s.Status = StatusCancelled
	s.CancelReason = &reason
	s.EndedAt = &at
	s.UpdatedAt = at
	return cloneSession(s), nil
}

func (m *memStore) SetUserNotes(_ context.Context, id uuid.UUID, notes string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.Status != StatusActive {
		return ErrNotActive
	}
	s.UserNotes = &notes
	s.UpdatedAt = at
	return nil
}

func (m *memStore) SetDoctorFeedback(_ context.Context, id uuid.UUID, feedback string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.Status != StatusCompleted {
		return conflictError("add feedback to", s.Status)
	}
	s.DoctorFeedback = &feedback
	s.UpdatedAt = at
	return nil
}

func (m *memStore) PromoteDue(_ context.Context, now time.Time) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.Status == StatusUpcoming && s.AppointmentTime != nil && !s.AppointmentTime.After(now) {
			s.Status = StatusPending
			s.UpdatedAt = now
			out = append(out, cloneSession(s))
		}
	}
	return out, nil
}

func (m *memStore) ExpirePending(_ context.Context, cutoff, now time.Time) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.Status == StatusPending && s.UpdatedAt.Before(cutoff) {
			reason := ReasonExpired
			s.Status = StatusCancelled
			s.CancelReason = &reason
			s.EndedAt = &now
			s.UpdatedAt = now
			out = append(out, cloneSession(s))
		}
	}
	return out, nil
}

func (m *memStore) CompleteAbandoned(_ context.Context, cutoff, now time.Time) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.Status == StatusActive && s.AcceptedAt != nil && s.AcceptedAt.Before(cutoff) {
			m.completeLocked(s, now)
			out = append(out, cloneSession(s))
		}
	}
	return out, nil
}

// recordingPublisher captures published events.
type recordingPublisher struct {
	mu     sync.Mutex
	events []websocket.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev websocket.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) byType(eventType string) []websocket.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []websocket.Event
	for _, ev := range p.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func (p *recordingPublisher) topics(eventType string) map[string]bool {
	out := make(map[string]bool)
	for _, ev := range p.byType(eventType) {
		for _, topic := range ev.Topics {
			out[topic] = true
		}
	}
	return out
}
