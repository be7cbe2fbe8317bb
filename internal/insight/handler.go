package insight

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/fitfull/consultation/internal/domain/consultation"
	"github.com/fitfull/consultation/internal/platform/auth"
)

// SessionReader loads a session on behalf of an actor.
// *consultation.Service satisfies it.
type SessionReader interface {
	GetSession(ctx context.Context, actor auth.Actor, id uuid.UUID) (*consultation.Session, error)
}

type Handler struct {
	sessions SessionReader
	gen      Generator
	logger   zerolog.Logger
}

// NewHandler creates the insight handler. gen may be nil, in which case the
// endpoint answers 503.
func NewHandler(sessions SessionReader, gen Generator, logger zerolog.Logger) *Handler {
	return &Handler{sessions: sessions, gen: gen, logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/sessions/:id/insight", h.Generate, auth.RequireKind(auth.KindPatient, auth.KindDoctor))
}

func (h *Handler) Generate(c echo.Context) error {
	if h.gen == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "insight generation is not configured")
	}
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid session id")
	}

	sess, err := h.sessions.GetSession(c.Request().Context(), actor, id)
	if err != nil {
		return consultation.ToHTTPError(err)
	}
	if !sess.IsParty(actor) {
		return consultation.ToHTTPError(consultation.ErrForbidden)
	}

	req := Request{IssueDetails: sess.IssueDetails}
	if sess.UserNotes != nil {
		req.UserNotes = *sess.UserNotes
	}
	if sess.DoctorFeedback != nil {
		req.DoctorFeedback = *sess.DoctorFeedback
	}

	text, err := h.gen.Generate(c.Request().Context(), req)
	if err != nil {
		h.logger.Error().Err(err).Str("session_id", id.String()).Msg("insight generation failed")
		return echo.NewHTTPError(http.StatusBadGateway, "insight generation failed")
	}
	return c.JSON(http.StatusOK, map[string]string{"insight": text})
}
