package consultation

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/fitfull/consultation/internal/platform/auth"
	"github.com/fitfull/consultation/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	patient := auth.RequireKind(auth.KindPatient)
	doctor := auth.RequireKind(auth.KindDoctor)
	party := auth.RequireKind(auth.KindPatient, auth.KindDoctor)

	g := api.Group("/sessions")
	g.POST("", h.RequestSession, patient)
	g.GET("", h.ListSessions, party)
	g.GET("/:id", h.GetSession)
	g.POST("/:id/accept", h.AcceptSession, doctor)
	g.POST("/:id/join", h.JoinSession, party)
	g.POST("/:id/end", h.EndSession, party)
	g.POST("/:id/notes", h.AddNotes, patient)
	g.POST("/:id/feedback", h.AddFeedback, doctor)
	g.POST("/:id/cancel", h.CancelSession, patient)
}

// ToHTTPError maps lifecycle errors onto status codes. Unknown errors
// become a 500 with the cause kept internal.
func ToHTTPError(err error) error {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrNotActive):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrPatientNotFound),
		errors.Is(err, ErrDoctorNotFound), errors.Is(err, ErrNoProviderAvailable):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
}

func sessionID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid session id")
	}
	return id, nil
}

// actorAndID reads the two things every session route needs.
func actorAndID(c echo.Context) (auth.Actor, uuid.UUID, error) {
	actor, err := auth.MustActor(c)
	if err != nil {
		return auth.Actor{}, uuid.Nil, err
	}
	id, err := sessionID(c)
	return actor, id, err
}

func (h *Handler) RequestSession(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	var in RequestInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sess, err := h.svc.RequestSession(c.Request().Context(), actor, in)
	if err != nil {
		return ToHTTPError(err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"sessionId": sess.ID,
		"roomName":  sess.RoomName,
		"doctorId":  sess.MatchedDoctorID,
		"status":    sess.Status,
	})
}

func (h *Handler) AcceptSession(c echo.Context) error {
	actor, id, err := actorAndID(c)
	if err != nil {
		return err
	}
	sess, err := h.svc.AcceptSession(c.Request().Context(), actor, id)
	if err != nil {
		return ToHTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"sessionId": sess.ID,
		"roomName":  sess.RoomName,
		"status":    sess.Status,
	})
}

func (h *Handler) JoinSession(c echo.Context) error {
	actor, id, err := actorAndID(c)
	if err != nil {
		return err
	}
	sess, err := h.svc.JoinSession(c.Request().Context(), actor, id)
	if err != nil {
		return ToHTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"joined":   true,
		"roomName": sess.RoomName,
	})
}

func (h *Handler) EndSession(c echo.Context) error {
	actor, id, err := actorAndID(c)
	if err != nil {
		return err
	}
	sess, err := h.svc.EndSession(c.Request().Context(), actor, id)
	if err != nil {
		return ToHTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"status": sess.Status})
}

type notesRequest struct {
	Notes string `json:"notes"`
}

func (h *Handler) AddNotes(c echo.Context) error {
	actor, id, err := actorAndID(c)
	if err != nil {
		return err
	}
	var req notesRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.AddNotes(c.Request().Context(), actor, id, req.Notes); err != nil {
		return ToHTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

type feedbackRequest struct {
	Feedback string `json:"feedback"`
}

func (h *Handler) AddFeedback(c echo.Context) error {
	actor, id, err := actorAndID(c)
	if err != nil {
		return err
	}
	var req feedbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.AddFeedback(c.Request().Context(), actor, id, req.Feedback); err != nil {
		return ToHTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) CancelSession(c echo.Context) error {
	actor, id, err := actorAndID(c)
	if err != nil {
		return err
	}
	var req cancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sess, err := h.svc.CancelSession(c.Request().Context(), actor, id, req.Reason)
	if err != nil {
		return ToHTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"status": sess.Status})
}

func (h *Handler) GetSession(c echo.Context) error {
	actor, id, err := actorAndID(c)
	if err != nil {
		return err
	}
	sess, err := h.svc.GetSession(c.Request().Context(), actor, id)
	if err != nil {
		return ToHTTPError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) ListSessions(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	q := ListQuery{
		Queue:  c.QueryParam("queue") == "true",
		Limit:  pg.Limit,
		Offset: pg.Offset,
	}
	if v := c.QueryParam("status"); v != "" {
		st, ok := ParseStatus(v)
		if !ok {
			return echo.NewHTTPError(http.StatusBadRequest, "unknown status "+v)
		}
		q.Status = &st
	}

	sessions, total, err := h.svc.ListSessions(c.Request().Context(), actor, q)
	if err != nil {
		return ToHTTPError(err)
	}
	if sessions == nil {
		sessions = []*Session{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(sessions, total, pg.Limit, pg.Offset))
}
