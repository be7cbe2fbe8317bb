package identity

import (
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Patient is a registered user who can request consultations.
type Patient struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Doctor is a provider who claims and runs consultations. IsAvailable is
// cleared while the doctor runs an active session.
type Doctor struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Email       string    `json:"email"`
	Specialty   *string   `json:"specialty,omitempty"`
	IsAvailable bool      `json:"isAvailable"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func validateContact(name, email string) error {
	if strings.TrimSpace(name) == "" {
		return validationError("name is required")
	}
	if email == "" {
		return validationError("email is required")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return validationError("email is invalid")
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
