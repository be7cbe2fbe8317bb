package consultation

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/fitfull/consultation/internal/platform/auth"
)

func newContext(e *echo.Echo, method, target, body string, actor *auth.Actor, id string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if actor != nil {
		req = req.WithContext(auth.WithActor(req.Context(), *actor))
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if id != "" {
		c.SetParamNames("id")
		c.SetParamValues(id)
	}
	return c, rec
}

func expectHTTPError(t *testing.T, err error, code int) {
	t.Helper()
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d (%v)", code, httpErr.Code, httpErr.Message)
	}
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return body
}

func requestBody(f *fixture, issue string) string {
	return fmt.Sprintf(`{"issueDetails":%q,"startTime":%q,"endTime":%q}`,
		issue, f.now.Format(time.RFC3339), f.now.Add(30*time.Minute).Format(time.RFC3339))
}

func TestHandler_RegisterRoutes(t *testing.T) {
	e := echo.New()
	NewHandler(newFixture(ExpiryPolicy{}).svc).RegisterRoutes(e.Group("/api/v1"))

	want := map[string]bool{
		"POST:/api/v1/sessions":              false,
		"GET:/api/v1/sessions":               false,
		"GET:/api/v1/sessions/:id":           false,
		"POST:/api/v1/sessions/:id/accept":   false,
		"POST:/api/v1/sessions/:id/join":     false,
		"POST:/api/v1/sessions/:id/end":      false,
		"POST:/api/v1/sessions/:id/notes":    false,
		"POST:/api/v1/sessions/:id/feedback": false,
		"POST:/api/v1/sessions/:id/cancel":   false,
	}
	for _, r := range e.Routes() {
		key := r.Method + ":" + r.Path
		if _, ok := want[key]; ok {
			want[key] = true
		}
	}
	for route, found := range want {
		if !found {
			t.Errorf("missing route %s", route)
		}
	}
}

func TestHandler_RequestSession(t *testing.T) {
	f := newFixture(ExpiryPolicy{})
	h, e := NewHandler(f.svc), echo.New()
	patient := auth.Patient(f.store.addPatient())
	doctor := f.store.addDoctor(true)

	c, rec := newContext(e, http.MethodPost, "/api/v1/sessions", requestBody(f, "fever"), &patient, "")
	if err := h.RequestSession(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	body := decode(t, rec)
	if body["status"] != "Pending" || body["doctorId"] != doctor.String() {
		t.Errorf("unexpected body %v", body)
	}
	if body["roomName"] != "consultation_"+body["sessionId"].(string) {
		t.Errorf("room name %v does not match session %v", body["roomName"], body["sessionId"])
	}
}

func TestHandler_RequestSession_Errors(t *testing.T) {
	f := newFixture(ExpiryPolicy{})
	h, e := NewHandler(f.svc), echo.New()
	patient := auth.Patient(f.store.addPatient())

	c, _ := newContext(e, http.MethodPost, "/api/v1/sessions", requestBody(f, ""), &patient, "")
	expectHTTPError(t, h.RequestSession(c), http.StatusBadRequest)

	c, _ = newContext(e, http.MethodPost, "/api/v1/sessions", requestBody(f, "fever"), &patient, "")
	expectHTTPError(t, h.RequestSession(c), http.StatusNotFound)

	c, _ = newContext(e, http.MethodPost, "/api/v1/sessions", `{not json`, &patient, "")
	expectHTTPError(t, h.RequestSession(c), http.StatusBadRequest)

	c, _ = newContext(e, http.MethodPost, "/api/v1/sessions", requestBody(f, "fever"), nil, "")
	expectHTTPError(t, h.RequestSession(c), http.StatusUnauthorized)
}

func TestHandler_AcceptAndConflict(t *testing.T) {
	f := newFixture(ExpiryPolicy{})
	h, e := NewHandler(f.svc), echo.New()
	patient := f.store.addPatient()
	d1 := auth.Doctor(f.store.addDoctor(true))
	d2 := auth.Doctor(f.store.addDoctor(true))
	s := f.request(t, patient, f.input("fever"))

	c, rec := newContext(e, http.MethodPost, "/", "", &d1, s.ID.String())
	if err := h.AcceptSession(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	body := decode(t, rec)
	if body["status"] != "Active" || body["roomName"] != s.RoomName {
		t.Errorf("unexpected body %v", body)
	}

	c, _ = newContext(e, http.MethodPost, "/", "", &d2, s.ID.String())
	expectHTTPError(t, h.AcceptSession(c), http.StatusConflict)

	c, _ = newContext(e, http.MethodPost, "/", "", &d2, uuid.NewString())
	expectHTTPError(t, h.AcceptSession(c), http.StatusNotFound)

	c, _ = newContext(e, http.MethodPost, "/", "", &d2, "not-a-uuid")
	expectHTTPError(t, h.AcceptSession(c), http.StatusBadRequest)
}

func TestHandler_JoinEnd(t *testing.T) {
	f := newFixture(ExpiryPolicy{})
	h, e := NewHandler(f.svc), echo.New()
	p, d, s := f.accepted(t)
	patient, doctor := auth.Patient(p), auth.Doctor(d)
	stranger := auth.Doctor(uuid.New())

	c, rec := newContext(e, http.MethodPost, "/", "", &patient, s.ID.String())
	if err := h.JoinSession(c); err != nil {
		t.Fatalf("join: %v", err)
	}
	if body := decode(t, rec); body["joined"] != true || body["roomName"] != s.RoomName {
		t.Errorf("unexpected join body %v", body)
	}

	c, _ = newContext(e, http.MethodPost, "/", "", &stranger, s.ID.String())
	expectHTTPError(t, h.EndSession(c), http.StatusForbidden)

	c, rec = newContext(e, http.MethodPost, "/", "", &doctor, s.ID.String())
	if err := h.EndSession(c); err != nil {
		t.Fatalf("end: %v", err)
	}
	if body := decode(t, rec); body["status"] != "Completed" {
		t.Errorf("unexpected end body %v", body)
	}

	c, _ = newContext(e, http.MethodPost, "/", "", &doctor, s.ID.String())
	expectHTTPError(t, h.EndSession(c), http.StatusConflict)
	c, _ = newContext(e, http.MethodPost, "/", "", &patient, s.ID.String())
	expectHTTPError(t, h.JoinSession(c), http.StatusConflict)
}

func TestHandler_NotesFeedback(t *testing.T) {
	f := newFixture(ExpiryPolicy{})
	h, e := NewHandler(f.svc), echo.New()
	p, d, s := f.accepted(t)
	patient, doctor := auth.Patient(p), auth.Doctor(d)

	c, rec := newContext(e, http.MethodPost, "/", `{"notes":"headache since Monday"}`, &patient, s.ID.String())
	if err := h.AddNotes(c); err != nil {
		t.Fatalf("notes: %v", err)
	}
	if body := decode(t, rec); body["ok"] != true {
		t.Errorf("unexpected body %v", body)
	}

	c, _ = newContext(e, http.MethodPost, "/", `{"feedback":"too early"}`, &doctor, s.ID.String())
	expectHTTPError(t, h.AddFeedback(c), http.StatusConflict)

	f.svc.EndSession(c.Request().Context(), doctor, s.ID)

	c, _ = newContext(e, http.MethodPost, "/", `{"notes":"after"}`, &patient, s.ID.String())
	expectHTTPError(t, h.AddNotes(c), http.StatusBadRequest)

	c, rec = newContext(e, http.MethodPost, "/", `{"feedback":"hydrate"}`, &doctor, s.ID.String())
	if err := h.AddFeedback(c); err != nil {
		t.Fatalf("feedback: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHandler_Cancel(t *testing.T) {
	f := newFixture(ExpiryPolicy{})
	h, e := NewHandler(f.svc), echo.New()
	p := f.store.addPatient()
	f.store.addDoctor(true)
	patient := auth.Patient(p)
	s := f.request(t, p, f.input("fever"))

	c, rec := newContext(e, http.MethodPost, "/", "", &patient, s.ID.String())
	if err := h.CancelSession(c); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if body := decode(t, rec); body["status"] != "Cancelled" {
		t.Errorf("unexpected body %v", body)
	}

	c, _ = newContext(e, http.MethodPost, "/", `{"reason":"again"}`, &patient, s.ID.String())
	expectHTTPError(t, h.CancelSession(c), http.StatusConflict)
}

func TestHandler_Cancel_ReasonTooLong(t *testing.T) {
	f := newFixture(ExpiryPolicy{})
	h, e := NewHandler(f.svc), echo.New()
	p := f.store.addPatient()
	f.store.addDoctor(true)
	patient := auth.Patient(p)
	s := f.request(t, p, f.input("fever"))

	body := fmt.Sprintf(`{"reason":%q}`, strings.Repeat("x", MaxCancelReasonLength+1))
	c, _ := newContext(e, http.MethodPost, "/", body, &patient, s.ID.String())
	expectHTTPError(t, h.CancelSession(c), http.StatusBadRequest)
}

func TestHandler_GetAndList(t *testing.T) {
	f := newFixture(ExpiryPolicy{})
	h, e := NewHandler(f.svc), echo.New()
	p, _, s := f.accepted(t)
	patient := auth.Patient(p)
	stranger := auth.Patient(uuid.New())

	c, rec := newContext(e, http.MethodGet, "/", "", &patient, s.ID.String())
	if err := h.GetSession(c); err != nil {
		t.Fatalf("get: %v", err)
	}
	var got Session
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.ID != s.ID || got.Status != StatusActive {
		t.Errorf("unexpected session %+v", got)
	}

	c, _ = newContext(e, http.MethodGet, "/", "", &stranger, s.ID.String())
	expectHTTPError(t, h.GetSession(c), http.StatusForbidden)

	c, rec = newContext(e, http.MethodGet, "/api/v1/sessions?status=active&limit=5", "", &patient, "")
	if err := h.ListSessions(c); err != nil {
		t.Fatalf("list: %v", err)
	}
	body := decode(t, rec)
	if body["total"] != float64(1) || body["limit"] != float64(5) {
		t.Errorf("unexpected list body %v", body)
	}

	c, _ = newContext(e, http.MethodGet, "/api/v1/sessions?status=bogus", "", &patient, "")
	expectHTTPError(t, h.ListSessions(c), http.StatusBadRequest)

	c, _ = newContext(e, http.MethodGet, "/api/v1/sessions?queue=true", "", &patient, "")
	expectHTTPError(t, h.ListSessions(c), http.StatusBadRequest)

	c, rec = newContext(e, http.MethodGet, "/api/v1/sessions", "", &stranger, "")
	if err := h.ListSessions(c); err != nil {
		t.Fatalf("empty list: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"data":[]`) {
		t.Errorf("expected empty data array, got %s", rec.Body.String())
	}
}

func TestToHTTPError(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{validationError("x"), http.StatusBadRequest},
		{ErrNotActive, http.StatusBadRequest},
		{ErrForbidden, http.StatusForbidden},
		{ErrNotFound, http.StatusNotFound},
		{ErrPatientNotFound, http.StatusNotFound},
		{ErrDoctorNotFound, http.StatusNotFound},
		{ErrNoProviderAvailable, http.StatusNotFound},
		{conflictError("end", StatusCompleted), http.StatusConflict},
		{errors.New("connection reset"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		expectHTTPError(t, ToHTTPError(tt.err), tt.code)
	}

	httpErr := ToHTTPError(errors.New("secret dsn")).(*echo.HTTPError)
	if httpErr.Message != "internal error" || httpErr.Internal == nil {
		t.Errorf("internal errors must be hidden, got %+v", httpErr)
	}
}
