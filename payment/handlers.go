package payment

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/freundallein/acm/backend/chassis/httpx"
	"github.com/freundallein/acm/backend/chassis/storage"
)

// Handler serves /api/payment.
type Handler struct {
	svc            *Service
	frontendReturn string
}

// NewHandler ...
func NewHandler(svc *Service, frontendReturn string) *Handler {
	return &Handler{svc: svc, frontendReturn: frontendReturn}
}

// Register mounts routes on a /api/payment subrouter.
func (h *Handler) Register(r *mux.Router) {
	r.Handle("/initiate/", httpx.RequireAuth(http.HandlerFunc(h.initiate))).Methods(http.MethodPost)
	r.Handle("/verify/", httpx.RequireAuth(http.HandlerFunc(h.verify))).Methods(http.MethodPost)
	r.HandleFunc("/callback/", h.callback).Methods(http.MethodGet)
	r.HandleFunc("/startpay/{authority}/", h.startpay).Methods(http.MethodGet)
}

type initiatePayload struct {
	TargetType  string `json:"target_type" validate:"required,oneof=COURSE COMPETITION"`
	TargetID    int64  `json:"target_id" validate:"required"`
	Amount      int64  `json:"amount" validate:"required,min=1"`
	Description string `json:"description"`
}

type paymentView struct {
	ID              int64                 `json:"id"`
	Status          storage.PaymentStatus `json:"status"`
	Authority       string                `json:"authority"`
	RefID           string                `json:"ref_id"`
	Amount          int64                 `json:"amount"`
	Currency        string                `json:"currency"`
	ZarinpalCode    string                `json:"zarinpal_code"`
	ZarinpalMessage string                `json:"zarinpal_message"`
	TargetType      storage.TargetType    `json:"target_type"`
	TargetID        string                `json:"target_id"`
}

func (h *Handler) initiate(w http.ResponseWriter, r *http.Request) {
	var payload initiatePayload
	if err := httpx.Decode(r, &payload); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	ctx := r.Context()
	var started *StartPay
	err := h.svc.store.Atomic(ctx, func(tx storage.Store) error {
		user, err := tx.GetUser(ctx, httpx.PrincipalFrom(ctx).UserID)
		if err != nil {
			return err
		}
		started, err = h.svc.Initiate(ctx, tx, user, &Target{
			Type:        storage.TargetType(payload.TargetType),
			ID:          strconv.FormatInt(payload.TargetID, 10),
			Amount:      payload.Amount,
			Description: payload.Description,
		})
		return audited(err)
	})
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"startpay_url": started.URL,
		"authority":    started.Authority,
		"payment_id":   started.Payment.ID,
	})
}

type verifyPayload struct {
	Authority string `json:"authority" validate:"required"`
}

func (h *Handler) verify(w http.ResponseWriter, r *http.Request) {
	var payload verifyPayload
	if err := httpx.Decode(r, &payload); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	p, err := h.svc.Verify(r.Context(), httpx.PrincipalFrom(r.Context()).UserID, payload.Authority)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, &paymentView{
		ID:              p.ID,
		Status:          p.Status,
		Authority:       p.Authority,
		RefID:           p.RefID,
		Amount:          p.Amount,
		Currency:        p.Currency,
		ZarinpalCode:    p.ZarinpalCode,
		ZarinpalMessage: p.ZarinpalMessage,
		TargetType:      p.TargetType,
		TargetID:        p.TargetID,
	})
}

// callback sends the user back to the frontend, which then calls verify.
func (h *Handler) callback(w http.ResponseWriter, r *http.Request) {
	target := h.frontendReturn
	if authority := r.URL.Query().Get("Authority"); authority != "" {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + "authority=" + url.QueryEscape(authority)
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (h *Handler) startpay(w http.ResponseWriter, r *http.Request) {
	target, err := h.svc.Restart(r.Context(), mux.Vars(r)["authority"])
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}
