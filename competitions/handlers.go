package competitions

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/freundallein/acm/backend/chassis/apperr"
	"github.com/freundallein/acm/backend/chassis/httpx"
	"github.com/freundallein/acm/backend/chassis/storage"
)

// Handler serves /api/competitions.
type Handler struct {
	svc              *Service
	approvalRedirect string
}

// NewHandler ...
func NewHandler(svc *Service, approvalRedirect string) *Handler {
	return &Handler{svc: svc, approvalRedirect: approvalRedirect}
}

// Register mounts routes on a /api/competitions subrouter.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/approve", h.approveLink).Methods(http.MethodGet)
	r.HandleFunc("/approve/", h.approveLink).Methods(http.MethodGet)
	r.Handle("/request/", httpx.RequireAuth(http.HandlerFunc(h.submit))).Methods(http.MethodPost)
	r.Handle("/request/cancel/", httpx.RequireAuth(http.HandlerFunc(h.cancel))).Methods(http.MethodPost)
	r.Handle("/me/requests/", httpx.RequireAuth(http.HandlerFunc(h.myRequests))).Methods(http.MethodGet)
	r.HandleFunc("/member/approve/", h.decide).Methods(http.MethodPost)

	r.Handle("/backoffice/requests/", httpx.RequireStaff(http.HandlerFunc(h.listByStatus))).Methods(http.MethodGet)
	r.Handle("/backoffice/requests/{id:[0-9]+}/approve/", httpx.RequireStaff(http.HandlerFunc(h.backofficeApprove))).Methods(http.MethodPost)
	r.Handle("/backoffice/requests/{id:[0-9]+}/reject/", httpx.RequireStaff(http.HandlerFunc(h.backofficeReject))).Methods(http.MethodPost)
	r.Handle("/backoffice/requests/{id:[0-9]+}/final/", httpx.RequireStaff(http.HandlerFunc(h.markFinal))).Methods(http.MethodPost)
	r.Handle("/backoffice/requests/{id:[0-9]+}/payment-rejected/", httpx.RequireStaff(http.HandlerFunc(h.markPaymentRejected))).Methods(http.MethodPost)

	r.HandleFunc("/{slug}/", h.detail).Methods(http.MethodGet)
	r.HandleFunc("/{slug}/fields/", h.fields).Methods(http.MethodGet)
}

func (h *Handler) detail(w http.ResponseWriter, r *http.Request) {
	competition, err := h.svc.store.GetCompetitionBySlug(r.Context(), mux.Vars(r)["slug"])
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, competition)
}

func (h *Handler) fields(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	competition, err := h.svc.store.GetCompetitionBySlug(ctx, mux.Vars(r)["slug"])
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	cfg, err := h.svc.store.GetFieldConfig(ctx, competition.ID)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, cfg)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
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
	request, err := h.svc.Submit(ctx, user, &payload)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, request)
}

func (h *Handler) myRequests(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requests, err := h.svc.store.ListTeamRequestsBySubmitter(ctx, httpx.PrincipalFrom(ctx).UserID)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, requests)
}

type decidePayload struct {
	RequestID int64  `json:"request_id" validate:"required"`
	Token     string `json:"token" validate:"required"`
	Accept    bool   `json:"accept"`
}

func (h *Handler) decide(w http.ResponseWriter, r *http.Request) {
	var payload decidePayload
	if err := httpx.Decode(r, &payload); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	member, err := h.svc.Decide(r.Context(), payload.RequestID, payload.Token, payload.Accept)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"member": member.ID,
		"status": member.ApprovalStatus,
	})
}

// approveLink is the emailed one-click approval.
func (h *Handler) approveLink(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	requestID, err := strconv.ParseInt(query.Get("rid"), 10, 64)
	token := query.Get("token")
	if err != nil || token == "" {
		httpx.WriteError(w, r, apperr.New(apperr.CompInvalidOrExpiredToken, http.StatusBadRequest, "Invalid or expired token"))
		return
	}
	if _, err := h.svc.Decide(r.Context(), requestID, token, true); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	if h.approvalRedirect == "" {
		httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
		return
	}
	http.Redirect(w, r, h.approvalRedirect, http.StatusFound)
}

type cancelPayload struct {
	RequestID int64 `json:"request_id" validate:"required"`
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	var payload cancelPayload
	if err := httpx.Decode(r, &payload); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	ctx := r.Context()
	request, err := h.svc.Cancel(ctx, httpx.PrincipalFrom(ctx).UserID, payload.RequestID)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, request)
}

func (h *Handler) listByStatus(w http.ResponseWriter, r *http.Request) {
	status := storage.TeamStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = storage.PENDING_INVESTIGATION
	}
	requests, err := h.svc.store.ListTeamRequestsByStatus(r.Context(), status)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, requests)
}

// transition runs a backoffice action on the request in the path.
func (h *Handler) transition(w http.ResponseWriter, r *http.Request, action func(id int64) (*storage.TeamRequest, error)) {
	id, err := httpx.PathInt(r, "id")
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	request, err := action(id)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, request)
}

func (h *Handler) backofficeApprove(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(id int64) (*storage.TeamRequest, error) {
		return h.svc.BackofficeApprove(r.Context(), id)
	})
}

type rejectPayload struct {
	Reason string `json:"reason" validate:"max=1000"`
}

func (h *Handler) backofficeReject(w http.ResponseWriter, r *http.Request) {
	var payload rejectPayload
	if err := httpx.Decode(r, &payload); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	h.transition(w, r, func(id int64) (*storage.TeamRequest, error) {
		return h.svc.BackofficeReject(r.Context(), id, payload.Reason)
	})
}

func (h *Handler) markFinal(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(id int64) (*storage.TeamRequest, error) {
		return h.svc.MarkFinal(r.Context(), id)
	})
}

func (h *Handler) markPaymentRejected(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(id int64) (*storage.TeamRequest, error) {
		return h.svc.MarkPaymentRejected(r.Context(), id)
	})
}
