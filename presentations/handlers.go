package presentations

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/freundallein/acm/backend/chassis/apperr"
	"github.com/freundallein/acm/backend/chassis/httpx"
	"github.com/freundallein/acm/backend/chassis/storage"
)

// Handler serves /api/presentations.
type Handler struct {
	svc *Service
}

// NewHandler ...
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Register mounts routes on a /api/presentations subrouter.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/course/{slug}/", h.course).Methods(http.MethodGet)
	r.Handle("/course/{slug}/sessions/", httpx.RequireAuth(http.HandlerFunc(h.sessions))).Methods(http.MethodGet)
	r.Handle("/register/", httpx.RequireAuth(http.HandlerFunc(h.register))).Methods(http.MethodPost)
	r.Handle("/me/registrations/", httpx.RequireAuth(http.HandlerFunc(h.myRegistrations))).Methods(http.MethodGet)
	r.Handle("/skyroom/link/", httpx.RequireAuth(http.HandlerFunc(h.classLink))).Methods(http.MethodGet)

	r.Handle("/backoffice/registrations/", httpx.RequireStaff(http.HandlerFunc(h.listByStatus))).Methods(http.MethodGet)
	r.Handle("/backoffice/registrations/{id:[0-9]+}/approve/", httpx.RequireStaff(http.HandlerFunc(h.approve))).Methods(http.MethodPost)
	r.Handle("/backoffice/registrations/{id:[0-9]+}/reject/", httpx.RequireStaff(http.HandlerFunc(h.reject))).Methods(http.MethodPost)
	r.Handle("/backoffice/registrations/{id:[0-9]+}/final/", httpx.RequireStaff(http.HandlerFunc(h.final))).Methods(http.MethodPost)
}

func (h *Handler) course(w http.ResponseWriter, r *http.Request) {
	course, err := h.svc.store.GetCourseBySlug(r.Context(), mux.Vars(r)["slug"])
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, course)
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var payload Submission
	if err := httpx.Decode(r, &payload); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	ctx := r.Context()
	user, err := h.svc.store.GetUser(ctx, httpx.PrincipalFrom(ctx).UserID)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	reg, err := h.svc.Submit(ctx, user, &payload)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, reg)
}

func (h *Handler) myRegistrations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	regs, err := h.svc.store.ListRegistrationsByUser(ctx, httpx.PrincipalFrom(ctx).UserID)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, regs)
}

// classLink accepts ?course=<slug> or ?course_id=<id>.
func (h *Handler) classLink(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()
	var (
		course *storage.Course
		err    error
	)
	switch {
	case query.Get("course") != "":
		course, err = h.svc.store.GetCourseBySlug(ctx, query.Get("course"))
	case query.Get("course_id") != "":
		id, convErr := strconv.ParseInt(query.Get("course_id"), 10, 64)
		if convErr != nil {
			err = storage.ErrNotFound
			break
		}
		course, err = h.svc.store.GetCourse(ctx, id)
	default:
		err = storage.ErrNotFound
	}
	if err != nil {
		httpx.WriteError(w, r, apperr.BadRequest("Course not found."))
		return
	}
	user, err := h.svc.store.GetUser(ctx, httpx.PrincipalFrom(ctx).UserID)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	url, err := h.svc.ClassLink(ctx, user, course)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (h *Handler) sessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	course, err := h.svc.store.GetCourseBySlug(ctx, mux.Vars(r)["slug"])
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	sessions, err := h.svc.Sessions(ctx, httpx.PrincipalFrom(ctx).UserID, course)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, sessions)
}

func (h *Handler) listByStatus(w http.ResponseWriter, r *http.Request) {
	status := storage.RegStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = storage.REG_QUEUED
	}
	regs, err := h.svc.store.ListRegistrationsByStatus(r.Context(), status)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, regs)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, action func(id int64) (*storage.Registration, error)) {
	id, err := httpx.PathInt(r, "id")
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	reg, err := action(id)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, reg)
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(id int64) (*storage.Registration, error) {
		return h.svc.Approve(r.Context(), id)
	})
}

type rejectPayload struct {
	Reason string `json:"rejection_reason"`
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	var payload rejectPayload
	if err := httpx.Decode(r, &payload); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	h.transition(w, r, func(id int64) (*storage.Registration, error) {
		return h.svc.Reject(r.Context(), id, payload.Reason)
	})
}

func (h *Handler) final(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(id int64) (*storage.Registration, error) {
		return h.svc.MarkFinal(r.Context(), id)
	})
}
