package consultation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fitfull/consultation/internal/domain/identity"
	"github.com/fitfull/consultation/internal/platform/auth"
	"github.com/fitfull/consultation/internal/platform/websocket"
)

// Directory resolves the people a session refers to. *identity.Service
// satisfies it.
type Directory interface {
	PatientExists(ctx context.Context, id uuid.UUID) (bool, error)
	GetDoctor(ctx context.Context, id uuid.UUID) (*identity.Doctor, error)
	FindAvailableDoctor(ctx context.Context) (*identity.Doctor, error)
}

// ExpiryPolicy bounds how long sessions may sit in Pending or Active. A
// zero TTL disables that rule.
type ExpiryPolicy struct {
	PendingTTL time.Duration
	ActiveTTL  time.Duration
}

// MaxCancelReasonLength matches the cancel_reason column.
const MaxCancelReasonLength = 255

const defaultPublishTimeout = 3 * time.Second

// Service is the session lifecycle manager. It owns every status change;
// events are published after the change is stored and never affect it.
type Service struct {
	repo   Repository
	dir    Directory
	pub    websocket.EventPublisher
	policy ExpiryPolicy
	logger zerolog.Logger
	now    func() time.Time

	publishTimeout time.Duration
}

// NewService creates a Service. pub may be nil when nothing listens.
func NewService(repo Repository, dir Directory, pub websocket.EventPublisher, logger zerolog.Logger, policy ExpiryPolicy) *Service {
	return &Service{
		repo:   repo,
		dir:    dir,
		pub:    pub,
		policy: policy,
		logger: logger.With().Str("component", "consultation").Logger(),
		now:    func() time.Time { return time.Now().UTC() },

		publishTimeout: defaultPublishTimeout,
	}
}

// RequestInput is a patient's request for a consultation.
type RequestInput struct {
	IssueDetails    string     `json:"issueDetails"`
	DoctorID        *uuid.UUID `json:"doctorId,omitempty"`
	Type            Type       `json:"type,omitempty"`
	AppointmentTime *time.Time `json:"appointmentTime,omitempty"`
	StartTime       *time.Time `json:"startTime"`
	EndTime         *time.Time `json:"endTime"`
}

func (in RequestInput) validate() error {
	if strings.TrimSpace(in.IssueDetails) == "" {
		return validationError("issueDetails is required")
	}
	if in.StartTime == nil || in.EndTime == nil {
		return validationError("startTime and endTime are required")
	}
	if !in.EndTime.After(*in.StartTime) {
		return validationError("endTime must be after startTime")
	}
	if in.Type != "" && !in.Type.Valid() {
		return validationError(fmt.Sprintf("unknown session type %q", in.Type))
	}
	return nil
}

// RequestSession creates a session for the calling patient. With an
// explicit DoctorID only that doctor may accept; otherwise the first
// available doctor is notified and any doctor may accept.
func (s *Service) RequestSession(ctx context.Context, actor auth.Actor, in RequestInput) (*Session, error) {
	if !actor.IsPatient() {
		return nil, fmt.Errorf("%w: only patients request sessions", ErrForbidden)
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	ok, err := s.dir.PatientExists(ctx, actor.ID)
	if err != nil {
		return nil, fmt.Errorf("resolve patient: %w", err)
	}
	if !ok {
		return nil, ErrPatientNotFound
	}

	var matched uuid.UUID
	if in.DoctorID != nil {
		d, err := s.dir.GetDoctor(ctx, *in.DoctorID)
		if errors.Is(err, identity.ErrNotFound) {
			return nil, ErrDoctorNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("resolve doctor: %w", err)
		}
		matched = d.ID
	} else {
		d, err := s.dir.FindAvailableDoctor(ctx)
		if errors.Is(err, identity.ErrNotFound) {
			return nil, ErrNoProviderAvailable
		}
		if err != nil {
			return nil, fmt.Errorf("match doctor: %w", err)
		}
		matched = d.ID
	}

	now := s.now()
	id := uuid.New()
	sess := &Session{
		ID:              id,
		PatientID:       actor.ID,
		MatchedDoctorID: &matched,
		Type:            in.Type,
		RoomName:        RoomName(id),
		IssueDetails:    strings.TrimSpace(in.IssueDetails),
		Status:          StatusPending,
		AppointmentTime: in.AppointmentTime,
		StartTime:       *in.StartTime,
		EndTime:         *in.EndTime,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if in.DoctorID != nil {
		sess.DoctorID = &matched
	}
	if in.AppointmentTime != nil && in.AppointmentTime.After(now) {
		sess.Status = StatusUpcoming
	}
	if sess.Type == "" {
		sess.Type = TypeChat
		if in.AppointmentTime != nil {
			sess.Type = TypeAppointment
		}
	}

	if err := s.repo.Create(ctx, sess); err != nil {
		return nil, err
	}
	s.logger.Info().Str("session_id", id.String()).Str("status", string(sess.Status)).
		Str("doctor_id", matched.String()).Msg("session requested")

	s.publish(ctx, websocket.EventSessionRequested, sess, map[string]interface{}{
		"patientId": sess.PatientID,
		"type":      sess.Type,
		"status":    sess.Status,
	}, doctorTopic(matched))
	return sess, nil
}

// AcceptSession claims a session for the calling doctor. Of any number of
// concurrent accepts at most one succeeds; the rest get ErrConflict.
func (s *Service) AcceptSession(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Session, error) {
	if !actor.IsDoctor() {
		return nil, fmt.Errorf("%w: only doctors accept sessions", ErrForbidden)
	}
	if _, err := s.dir.GetDoctor(ctx, actor.ID); err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return nil, ErrDoctorNotFound
		}
		return nil, fmt.Errorf("resolve doctor: %w", err)
	}

	sess, err := s.repo.Claim(ctx, id, actor.ID, s.now())
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("session_id", id.String()).Str("doctor_id", actor.ID.String()).Msg("session accepted")

	s.publish(ctx, websocket.EventSessionAccepted, sess, map[string]interface{}{
		"doctorId": actor.ID,
	}, patientTopic(sess.PatientID), websocket.SessionTopic(sess.ID))
	return sess, nil
}

// JoinSession records that a party entered the room. Only the first join
// of each party changes anything.
func (s *Service) JoinSession(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Session, error) {
	sess, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	role, ok := sess.RoleOf(actor)
	if !ok {
		return nil, ErrForbidden
	}
	if sess.Status != StatusActive {
		return nil, conflictError("join", sess.Status)
	}

	first, sess, err := s.repo.MarkJoined(ctx, id, role, s.now())
	if err != nil {
		return nil, err
	}
	if first {
		s.publish(ctx, websocket.EventParticipantJoined, sess, map[string]interface{}{
			"role": role,
		}, websocket.SessionTopic(sess.ID))
	}
	return sess, nil
}

// EndSession completes an Active session. Either party may end it.
func (s *Service) EndSession(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Session, error) {
	sess, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	role, ok := sess.RoleOf(actor)
	if !ok {
		return nil, ErrForbidden
	}

	sess, err = s.repo.Complete(ctx, id, s.now())
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("session_id", id.String()).Str("ended_by", string(role)).Msg("session ended")
	s.publishEnded(ctx, sess, string(role))
	return sess, nil
}

// AddNotes stores the patient's notes while the session is Active.
func (s *Service) AddNotes(ctx context.Context, actor auth.Actor, id uuid.UUID, notes string) error {
	notes = strings.TrimSpace(notes)
	if notes == "" {
		return validationError("notes are required")
	}
	sess, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if role, ok := sess.RoleOf(actor); !ok || role != RolePatient {
		return ErrForbidden
	}
	return s.repo.SetUserNotes(ctx, id, notes, s.now())
}

// AddFeedback stores the doctor's feedback once the session is Completed.
func (s *Service) AddFeedback(ctx context.Context, actor auth.Actor, id uuid.UUID, feedback string) error {
	feedback = strings.TrimSpace(feedback)
	if feedback == "" {
		return validationError("feedback is required")
	}
	sess, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if role, ok := sess.RoleOf(actor); !ok || role != RoleDoctor {
		return ErrForbidden
	}
	return s.repo.SetDoctorFeedback(ctx, id, feedback, s.now())
}

// CancelSession withdraws a request that no doctor has accepted yet.
func (s *Service) CancelSession(ctx context.Context, actor auth.Actor, id uuid.UUID, reason string) (*Session, error) {
	sess, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if role, ok := sess.RoleOf(actor); !ok || role != RolePatient {
		return nil, ErrForbidden
	}
	reason = strings.TrimSpace(reason)
	if utf8.RuneCountInString(reason) > MaxCancelReasonLength {
		return nil, validationError(fmt.Sprintf("reason must be at most %d characters", MaxCancelReasonLength))
	}
	if reason == "" {
		reason = "cancelled by patient"
	}

	sess, err = s.repo.Cancel(ctx, id, reason, s.now())
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("session_id", id.String()).Msg("session cancelled")
	s.publishCancelled(ctx, sess)
	return sess, nil
}

// GetSession returns a session to its parties, to doctors it is routed to
// while unclaimed, and to admins.
func (s *Service) GetSession(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Session, error) {
	sess, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case actor.IsAdmin(), sess.IsParty(actor):
		return sess, nil
	case actor.IsDoctor() && sess.RoutedTo(actor.ID):
		return sess, nil
	}
	return nil, ErrForbidden
}

// ListQuery selects sessions for ListSessions.
type ListQuery struct {
	Status *Status
	Queue  bool
	Limit  int
	Offset int
}

// ListSessions lists the caller's own sessions, or with Queue set, the
// unclaimed sessions a doctor may accept.
func (s *Service) ListSessions(ctx context.Context, actor auth.Actor, q ListQuery) ([]*Session, int, error) {
	f := ListFilter{Status: q.Status, Limit: q.Limit, Offset: q.Offset}
	switch {
	case q.Queue && !actor.IsDoctor():
		return nil, 0, validationError("queue is only available to doctors")
	case q.Queue:
		f.QueueFor = &actor.ID
	case actor.IsPatient():
		f.PatientID = &actor.ID
	case actor.IsDoctor():
		f.DoctorID = &actor.ID
	}
	return s.repo.List(ctx, f)
}

// CanSubscribe allows only a session's parties to receive its events.
func (s *Service) CanSubscribe(ctx context.Context, actor auth.Actor, id uuid.UUID) error {
	sess, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !sess.IsParty(actor) {
		return ErrForbidden
	}
	return nil
}

// SweepResult counts the sessions a sweep moved.
type SweepResult struct {
	Promoted  int
	Expired   int
	Abandoned int
}

func (r SweepResult) Total() int { return r.Promoted + r.Expired + r.Abandoned }

// Sweep applies the time-based transitions: due Upcoming sessions become
// Pending, and with the policy enabled stale Pending sessions are cancelled
// and abandoned Active sessions completed. A failing rule does not stop
// the others.
func (s *Service) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	var res SweepResult
	var errs []error

	promoted, err := s.repo.PromoteDue(ctx, now)
	if err != nil {
		errs = append(errs, err)
	}
	for _, sess := range promoted {
		if sess.MatchedDoctorID != nil {
			s.publish(ctx, websocket.EventSessionRequested, sess, map[string]interface{}{
				"patientId": sess.PatientID,
				"type":      sess.Type,
				"status":    sess.Status,
			}, doctorTopic(*sess.MatchedDoctorID))
		}
	}
	res.Promoted = len(promoted)

	if s.policy.PendingTTL > 0 {
		expired, err := s.repo.ExpirePending(ctx, now.Add(-s.policy.PendingTTL), now)
		if err != nil {
			errs = append(errs, err)
		}
		for _, sess := range expired {
			s.publishCancelled(ctx, sess)
		}
		res.Expired = len(expired)
	}

	if s.policy.ActiveTTL > 0 {
		abandoned, err := s.repo.CompleteAbandoned(ctx, now.Add(-s.policy.ActiveTTL), now)
		if err != nil {
			errs = append(errs, err)
		}
		for _, sess := range abandoned {
			s.publishEnded(ctx, sess, "timeout")
		}
		res.Abandoned = len(abandoned)
	}

	return res, errors.Join(errs...)
}

func patientTopic(id uuid.UUID) string { return websocket.PersonalTopic(auth.Patient(id)) }
func doctorTopic(id uuid.UUID) string  { return websocket.PersonalTopic(auth.Doctor(id)) }

func (s *Service) publishEnded(ctx context.Context, sess *Session, endedBy string) {
	topics := []string{websocket.SessionTopic(sess.ID), patientTopic(sess.PatientID)}
	if sess.DoctorID != nil {
		topics = append(topics, doctorTopic(*sess.DoctorID))
	}
	s.publish(ctx, websocket.EventSessionEnded, sess, map[string]interface{}{
		"endedBy": endedBy,
	}, topics...)
}

func (s *Service) publishCancelled(ctx context.Context, sess *Session) {
	topics := []string{websocket.SessionTopic(sess.ID)}
	switch {
	case sess.DoctorID != nil:
		topics = append(topics, doctorTopic(*sess.DoctorID))
	case sess.MatchedDoctorID != nil:
		topics = append(topics, doctorTopic(*sess.MatchedDoctorID))
	}
	var reason string
	if sess.CancelReason != nil {
		reason = *sess.CancelReason
	}
	s.publish(ctx, websocket.EventSessionCancelled, sess, map[string]interface{}{
		"reason": reason,
	}, topics...)
}

// publish is best effort. The transition is already stored, so failures
// are logged and dropped. Each event is published once, listing every
// topic it targets, and a slow sink cannot hold the caller past
// publishTimeout.
func (s *Service) publish(ctx context.Context, eventType string, sess *Session, data map[string]interface{}, topics ...string) {
	if s.pub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.publishTimeout)
	defer cancel()

	raw, err := json.Marshal(data)
	if err != nil {
		s.logger.Error().Err(err).Str("event", eventType).Msg("failed to encode event data")
		return
	}
	ev := websocket.Event{
		Type:      eventType,
		Topics:    topics,
		SessionID: sess.ID.String(),
		RoomName:  sess.RoomName,
		Timestamp: s.now(),
		Data:      raw,
	}
	if err := s.pub.Publish(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Strs("topics", topics).Msg("failed to publish event")
	}
}
