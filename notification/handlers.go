package notification

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/freundallein/acm/backend/chassis/httpx"
	"github.com/freundallein/acm/backend/chassis/storage"
)

type singlePayload struct {
	To              string                 `json:"to" validate:"required,email"`
	TemplateCode    string                 `json:"template_code" validate:"required"`
	Context         map[string]interface{} `json:"context"`
	SubjectOverride string                 `json:"subject_override"`
}

type otpPayload struct {
	Channel string `json:"channel"`
	To      string `json:"to" validate:"required,email"`
	Code    string `json:"code" validate:"required"`
}

type statusPayload struct {
	To         string                 `json:"to" validate:"required,email"`
	StatusCode string                 `json:"status_code" validate:"required"`
	Extra      map[string]interface{} `json:"extra"`
}

type bulkRecipient struct {
	To      string                 `json:"to" validate:"required,email"`
	Context map[string]interface{} `json:"context"`
}

type bulkPayload struct {
	TemplateCode string          `json:"template_code" validate:"required"`
	Recipients   []bulkRecipient `json:"recipients" validate:"required,min=1,dive"`
	JobType      string          `json:"job_type" validate:"omitempty,oneof=generic reminder invite"`
}

type queuedResponse struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
}

// Handler serves /api/notification.
type Handler struct {
	svc *Service
}

// NewHandler ...
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Register mounts routes on a /api/notification subrouter.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/health/", h.health).Methods(http.MethodGet)
	r.HandleFunc("/email/otp/", h.otp).Methods(http.MethodPost)
	r.Handle("/email/single/", httpx.RequireStaff(http.HandlerFunc(h.single))).Methods(http.MethodPost)
	r.Handle("/email/status/", httpx.RequireStaff(http.HandlerFunc(h.status))).Methods(http.MethodPost)
	r.Handle("/email/bulk/", httpx.RequireStaff(http.HandlerFunc(h.bulk))).Methods(http.MethodPost)
	r.Handle("/email/bulk/{id:[0-9]+}/", httpx.RequireStaff(http.HandlerFunc(h.bulkStatus))).Methods(http.MethodGet)
	r.Handle("/email/{id:[0-9]+}/", httpx.RequireStaff(http.HandlerFunc(h.notificationStatus))).Methods(http.MethodGet)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "app": "notification"})
}

func (h *Handler) single(w http.ResponseWriter, r *http.Request) {
	var payload singlePayload
	if err := httpx.Decode(r, &payload); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	n, err := h.svc.Single(r.Context(), payload.To, payload.TemplateCode, Stringify(payload.Context), payload.SubjectOverride)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, queuedResponse{ID: n.ID, Status: n.Status()})
}

func (h *Handler) otp(w http.ResponseWriter, r *http.Request) {
	var payload otpPayload
	if err := httpx.Decode(r, &payload); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	n, err := h.svc.SendOTP(r.Context(), payload.Channel, payload.To, payload.Code)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, queuedResponse{ID: n.ID, Status: n.Status()})
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	var payload statusPayload
	if err := httpx.Decode(r, &payload); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	n, err := h.svc.StatusChange(r.Context(), payload.To, payload.StatusCode, Stringify(payload.Extra))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, queuedResponse{ID: n.ID, Status: n.Status()})
}

func (h *Handler) bulk(w http.ResponseWriter, r *http.Request) {
	var payload bulkPayload
	if err := httpx.Decode(r, &payload); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	recipients := make([]storage.BulkRecipient, 0, len(payload.Recipients))
	for _, rcpt := range payload.Recipients {
		recipients = append(recipients, storage.BulkRecipient{To: rcpt.To, Context: Stringify(rcpt.Context)})
	}
	job, err := h.svc.Bulk(r.Context(), payload.TemplateCode, payload.JobType, recipients)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, job)
}

func (h *Handler) bulkStatus(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt(r, "id")
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	job, err := h.svc.BulkJob(r.Context(), id)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, job)
}

func (h *Handler) notificationStatus(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt(r, "id")
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	n, err := h.svc.Notification(r.Context(), id)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"id":       n.ID,
		"to":       n.To,
		"template": n.Template,
		"status":   n.Status(),
		"attempts": n.Attempts,
		"error":    n.Error,
		"sent_at":  n.SentAt,
	})
}

// Stringify flattens JSON values into template context strings.
func Stringify(values map[string]interface{}) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		switch value := v.(type) {
		case string:
			out[k] = value
		case nil:
			out[k] = ""
		case float64:
			out[k] = strconv.FormatFloat(value, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(value)
		default:
			bin, err := json.Marshal(value)
			if err != nil {
				out[k] = fmt.Sprint(value)
				continue
			}
			out[k] = string(bin)
		}
	}
	return out
}
