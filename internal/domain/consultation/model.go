package consultation

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fitfull/consultation/internal/platform/auth"
)

// Status is the lifecycle state of a consultation session.
type Status string

const (
	StatusUpcoming  Status = "Upcoming"
	StatusPending   Status = "Pending"
	StatusActive    Status = "Active"
	StatusCompleted Status = "Completed"
	StatusCancelled Status = "Cancelled"
)

// transitions lists the admitted edges. Every edge moves forward; nothing
// leaves Completed or Cancelled.
var transitions = map[Status][]Status{
	StatusUpcoming: {StatusPending, StatusActive, StatusCancelled},
	StatusPending:  {StatusActive, StatusCancelled},
	StatusActive:   {StatusCompleted},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusUpcoming, StatusPending, StatusActive, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Claimable reports whether a doctor may still accept a session in s.
func (s Status) Claimable() bool {
	return s == StatusUpcoming || s == StatusPending
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ParseStatus accepts the status names case-insensitively.
func ParseStatus(s string) (Status, bool) {
	for _, st := range []Status{StatusUpcoming, StatusPending, StatusActive, StatusCompleted, StatusCancelled} {
		if strings.EqualFold(string(st), s) {
			return st, true
		}
	}
	return "", false
}

// Type is the scheduling shape of a session. It does not change how the
// lifecycle behaves.
type Type string

const (
	TypeAppointment Type = "Appointment"
	TypeChat        Type = "Chat"
)

func (t Type) Valid() bool {
	return t == TypeAppointment || t == TypeChat
}

// Role is a party's role within a session.
type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
)

// RoomName is the media room identifier for a session. It depends only on
// the session id.
func RoomName(id uuid.UUID) string {
	return "consultation_" + id.String()
}

// Session is a scheduled or on-demand consultation between one patient and
// at most one doctor.
type Session struct {
	ID              uuid.UUID  `json:"id"`
	PatientID       uuid.UUID  `json:"patientId"`
	DoctorID        *uuid.UUID `json:"doctorId,omitempty"`
	MatchedDoctorID *uuid.UUID `json:"matchedDoctorId,omitempty"`
	Type            Type       `json:"type"`
	RoomName        string     `json:"roomName"`
	IssueDetails    string     `json:"issueDetails"`
	Status          Status     `json:"status"`
	AppointmentTime *time.Time `json:"appointmentTime,omitempty"`
	StartTime       time.Time  `json:"startTime"`
	EndTime         time.Time  `json:"endTime"`
	UserJoined      bool       `json:"userJoined"`
	DoctorJoined    bool       `json:"doctorJoined"`
	UserNotes       *string    `json:"userNotes,omitempty"`
	DoctorFeedback  *string    `json:"doctorFeedback,omitempty"`
	CancelReason    *string    `json:"cancelReason,omitempty"`
	AcceptedAt      *time.Time `json:"acceptedAt,omitempty"`
	EndedAt         *time.Time `json:"endedAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// RoleOf returns the role a is acting in for this session, if any.
func (s *Session) RoleOf(a auth.Actor) (Role, bool) {
	switch {
	case a.IsPatient() && a.ID == s.PatientID:
		return RolePatient, true
	case a.IsDoctor() && s.DoctorID != nil && *s.DoctorID == a.ID:
		return RoleDoctor, true
	}
	return "", false
}

// IsParty reports whether a is the session's patient or assigned doctor.
func (s *Session) IsParty(a auth.Actor) bool {
	_, ok := s.RoleOf(a)
	return ok
}

// RoutedTo reports whether a doctor may see the session in their queue:
// explicitly assigned, auto-matched, or unassigned and still claimable.
func (s *Session) RoutedTo(doctorID uuid.UUID) bool {
	if !s.Status.Claimable() {
		return false
	}
	if s.DoctorID != nil {
		return *s.DoctorID == doctorID
	}
	return true
}

// ListFilter narrows a session listing. Exactly one of PatientID, DoctorID
// or QueueFor is set by the service.
type ListFilter struct {
	PatientID *uuid.UUID
	DoctorID  *uuid.UUID
	QueueFor  *uuid.UUID
	Status    *Status
	Limit     int
	Offset    int
}

// Match reports whether s satisfies f. The Postgres repository expresses the
// same predicate in SQL.
func (f ListFilter) Match(s *Session) bool {
	if f.Status != nil && s.Status != *f.Status {
		return false
	}
	switch {
	case f.PatientID != nil:
		return s.PatientID == *f.PatientID
	case f.DoctorID != nil:
		return s.DoctorID != nil && *s.DoctorID == *f.DoctorID
	case f.QueueFor != nil:
		return s.RoutedTo(*f.QueueFor)
	}
	return true
}
