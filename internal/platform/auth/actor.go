package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Kind discriminates the caller of an operation.
type Kind string

const (
	KindPatient Kind = "patient"
	KindDoctor  Kind = "doctor"
	KindAdmin   Kind = "admin"
)

// Actor is the authenticated caller, resolved once by the auth middleware
// and passed explicitly to domain services.
type Actor struct {
	Kind Kind
	ID   uuid.UUID
}

// Patient returns a patient actor.
func Patient(id uuid.UUID) Actor { return Actor{Kind: KindPatient, ID: id} }

// Doctor returns a doctor actor.
func Doctor(id uuid.UUID) Actor { return Actor{Kind: KindDoctor, ID: id} }

// Admin returns an administrative actor.
func Admin(id uuid.UUID) Actor { return Actor{Kind: KindAdmin, ID: id} }

func (a Actor) IsPatient() bool { return a.Kind == KindPatient }
func (a Actor) IsDoctor() bool  { return a.Kind == KindDoctor }
func (a Actor) IsAdmin() bool   { return a.Kind == KindAdmin }

// String renders the actor as "<kind>:<id>", which is also the actor's
// personal notification topic.
func (a Actor) String() string {
	return string(a.Kind) + ":" + a.ID.String()
}

var ErrAmbiguousRole = errors.New("token carries both patient and doctor roles")

// ActorFromClaims resolves the subject and role claims into exactly one actor.
func ActorFromClaims(subject string, roles []string) (Actor, error) {
	id, err := uuid.Parse(subject)
	if err != nil {
		return Actor{}, fmt.Errorf("subject is not a valid id: %w", err)
	}

	var patient, doctor, admin bool
	for _, r := range roles {
		switch Kind(strings.ToLower(r)) {
		case KindPatient:
			patient = true
		case KindDoctor:
			doctor = true
		case KindAdmin:
			admin = true
		}
	}

	switch {
	case admin:
		return Admin(id), nil
	case patient && doctor:
		return Actor{}, ErrAmbiguousRole
	case doctor:
		return Doctor(id), nil
	case patient:
		return Patient(id), nil
	}
	return Actor{}, fmt.Errorf("no recognised role in %v", roles)
}

// ParseActor parses the "<kind>:<id>" form produced by Actor.String.
func ParseActor(s string) (Actor, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok {
		return Actor{}, fmt.Errorf("invalid actor %q", s)
	}
	return ActorFromClaims(id, []string{kind})
}

type contextKey string

const actorKey contextKey = "actor"

// WithActor stores the actor on the context.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey, a)
}

// ActorFromContext returns the actor set by the auth middleware.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey).(Actor)
	return a, ok
}
