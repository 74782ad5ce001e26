// Package payment opens and verifies Zarinpal payments and hands results
// to the domain that owns the paid target.
package payment

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/freundallein/acm/backend/chassis/apperr"
	log "github.com/freundallein/acm/backend/chassis/logging"
	"github.com/freundallein/acm/backend/chassis/metrics"
	"github.com/freundallein/acm/backend/chassis/storage"
)

// Hook reacts to settled payments of one target type. Hooks run inside
// the verifying transaction and must use tx.
type Hook interface {
	PaymentSucceeded(ctx context.Context, tx storage.Store, p *storage.Payment) error
	PaymentFailed(ctx context.Context, tx storage.Store, p *storage.Payment) error
}

// Target - what a new payment is for
type Target struct {
	Type        storage.TargetType
	ID          string
	Amount      int64
	Description string
	Metadata    map[string]interface{}
}

// StartPay - an opened payment and its gateway URL
type StartPay struct {
	URL       string
	Authority string
	Payment   *storage.Payment
}

// Initiator is what domains need to open payments.
type Initiator interface {
	Initiate(ctx context.Context, tx storage.Store, user *storage.User, target *Target) (*StartPay, error)
}

// Service ...
type Service struct {
	store   storage.Store
	gateway Gateway
	hooks   map[storage.TargetType]Hook
}

// NewService ...
func NewService(store storage.Store, gateway Gateway) *Service {
	return &Service{store: store, gateway: gateway, hooks: map[storage.TargetType]Hook{}}
}

// Register attaches the hook for target payments.
func (s *Service) Register(target storage.TargetType, hook Hook) {
	s.hooks[target] = hook
}

func copyMetadata(metadata map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(metadata)+2)
	for k, v := range metadata {
		out[k] = v
	}
	return out
}

// Initiate settles the user's outstanding payments known to the gateway,
// then opens a new one. tx must be the caller's transaction.
func (s *Service) Initiate(ctx context.Context, tx storage.Store, user *storage.User, target *Target) (*StartPay, error) {
	if user == nil {
		return nil, apperr.New(apperr.PayAuthRequired, http.StatusUnauthorized, "Authentication required")
	}
	if !s.gateway.Configured() {
		return nil, apperr.New(apperr.PayMerchantNotConfigured, http.StatusBadRequest, "Payment merchant id not configured")
	}
	if err := s.settlePending(ctx, tx, user, target); err != nil {
		return nil, err
	}

	description := target.Description
	if description == "" {
		description = fmt.Sprintf("%s:%s", target.Type, target.ID)
	}
	data, err := s.gateway.Request(ctx, &Request{
		Amount:      target.Amount,
		Description: description,
		Email:       user.Email,
		Mobile:      user.PhoneNumber,
	})
	if err != nil {
		metrics.Payment("initiate", "transport_error")
		metadata := copyMetadata(target.Metadata)
		metadata["stage"] = "request"
		metadata["exc"] = err.Error()
		s.record(ctx, tx, &storage.Payment{
			UserID:          user.ID,
			TargetType:      target.Type,
			TargetID:        target.ID,
			Amount:          target.Amount,
			Status:          storage.PAYMENT_PG_INITIATE_ERROR,
			ZarinpalMessage: err.Error(),
			Description:     target.Description,
			Metadata:        metadata,
		})
		return nil, apperr.New(apperr.PayInitFailed, http.StatusConflict, "Payment gateway error while initiating")
	}
	if data.Code != CodeOK {
		metrics.Payment("initiate", "refused")
		metadata := copyMetadata(target.Metadata)
		metadata["stage"] = "request"
		s.record(ctx, tx, &storage.Payment{
			UserID:          user.ID,
			TargetType:      target.Type,
			TargetID:        target.ID,
			Amount:          target.Amount,
			Status:          storage.PAYMENT_PG_INITIATE_ERROR,
			ZarinpalCode:    fmt.Sprint(data.Code),
			ZarinpalMessage: data.Message,
			Description:     target.Description,
			Metadata:        metadata,
		})
		return nil, apperr.Newf(apperr.PayGatewayRefused, http.StatusConflict, "Gateway refused: %s", data.Message)
	}

	metadata := copyMetadata(target.Metadata)
	metadata["fee_type"] = data.FeeType
	metadata["fee"] = data.Fee.String()
	p := &storage.Payment{
		UserID:      user.ID,
		TargetType:  target.Type,
		TargetID:    target.ID,
		Amount:      target.Amount,
		Status:      storage.PAYMENT_PENDING,
		Authority:   data.Authority,
		Description: target.Description,
		Metadata:    metadata,
	}
	if err := tx.CreatePayment(ctx, p); err != nil {
		return nil, errors.Wrap(err, "create payment")
	}
	metrics.Payment("initiate", "ok")
	log.WithContext(ctx).WithFields(map[string]interface{}{
		"event":     "payment_initiated",
		"payment":   p.ID,
		"target":    string(target.Type) + ":" + target.ID,
		"authority": p.Authority,
	}).Info("payment initiated")
	return &StartPay{URL: s.gateway.StartPayURL(data.Authority), Authority: data.Authority, Payment: p}, nil
}

// audited lets the caller's transaction commit the rows Initiate wrote
// before refusing, such as PG_INITIATE_ERROR records.
func audited(err error) error {
	if _, ok := apperr.From(err); ok {
		return storage.Keep(err)
	}
	return err
}

// record stores a failed initiation; errors are logged only.
func (s *Service) record(ctx context.Context, tx storage.Store, p *storage.Payment) {
	if err := tx.CreatePayment(ctx, p); err != nil {
		log.WithContext(ctx).WithFields(map[string]interface{}{
			"event": "payment_record",
		}).Error(err)
	}
}

func (s *Service) settlePending(ctx context.Context, tx storage.Store, user *storage.User, target *Target) error {
	pending, err := tx.ListPendingPayments(ctx, user.ID)
	if err != nil || len(pending) == 0 {
		return err
	}
	unverified, err := s.gateway.Unverified(ctx)
	if err != nil {
		log.WithContext(ctx).WithFields(map[string]interface{}{
			"event": "payment_unverified_list",
		}).Warn(err)
		return nil
	}
	for _, p := range pending {
		if p.Authority == "" || !unverified[p.Authority] {
			continue
		}
		data, err := s.gateway.Verify(ctx, p.Amount, p.Authority)
		if err != nil {
			return apperr.New(apperr.PayInitFailed, http.StatusConflict, "Payment gateway error while initiating")
		}
		apply(p, data)
		if err := tx.UpdatePayment(ctx, p); err != nil {
			return err
		}
		if p.Status == storage.PAYMENT_SUCCESSFUL && p.TargetType == target.Type && p.TargetID == target.ID {
			return apperr.New(apperr.PayExistingSuccess, http.StatusConflict, "Existing successful payment found for this purchase")
		}
	}
	return nil
}

// apply copies a verify response onto p.
func apply(p *storage.Payment, data *GatewayData) {
	p.ZarinpalCode = fmt.Sprint(data.Code)
	p.ZarinpalMessage = data.Message
	if data.Code != CodeOK {
		p.Status = storage.PAYMENT_FAILED
		return
	}
	p.Status = storage.PAYMENT_SUCCESSFUL
	p.RefID = data.RefID.String()
	p.CardPan = data.CardPan
	p.CardHash = data.CardHash
}

// Verify settles the user's payment identified by authority.
func (s *Service) Verify(ctx context.Context, userID int64, authority string) (*storage.Payment, error) {
	var result *storage.Payment
	err := s.store.Atomic(ctx, func(tx storage.Store) error {
		p, err := tx.GetPaymentByAuthority(ctx, userID, authority)
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.New(apperr.PayNotFoundForUser, http.StatusNotFound, "Payment not found for this user/authority")
		}
		if err != nil {
			return err
		}
		result, err = s.settle(ctx, tx, p)
		return err
	})
	return result, err
}

// settle verifies a pending payment and runs the target hook. p must be
// read under the lock of tx; settled payments are returned untouched.
func (s *Service) settle(ctx context.Context, tx storage.Store, p *storage.Payment) (*storage.Payment, error) {
	if p.Status != storage.PAYMENT_PENDING {
		return p, nil
	}
	data, err := s.gateway.Verify(ctx, p.Amount, p.Authority)
	if err != nil {
		p.Status = storage.PAYMENT_FAILED
		p.ZarinpalMessage = err.Error()
	} else {
		apply(p, data)
	}
	if err := tx.UpdatePayment(ctx, p); err != nil {
		return nil, err
	}
	outcome := "failed"
	if p.Status == storage.PAYMENT_SUCCESSFUL {
		outcome = "successful"
	}
	metrics.Payment("verify", outcome)
	log.WithContext(ctx).WithFields(map[string]interface{}{
		"event":   "payment_verified",
		"payment": p.ID,
		"status":  p.Status,
	}).Info("payment settled")

	if err := s.runHook(ctx, tx, p); err != nil {
		return p, s.markHookFailed(ctx, tx, p, err)
	}
	return p, nil
}

// runHook hands a settled payment to its target inside a savepoint, so a
// failing hook leaves no partial writes behind.
func (s *Service) runHook(ctx context.Context, tx storage.Store, p *storage.Payment) error {
	hook, ok := s.hooks[p.TargetType]
	if !ok {
		return nil
	}
	return tx.Atomic(ctx, func(sp storage.Store) error {
		if p.Status == storage.PAYMENT_SUCCESSFUL {
			return hook.PaymentSucceeded(ctx, sp, p)
		}
		return hook.PaymentFailed(ctx, sp, p)
	})
}

// markHookFailed keeps the settled payment and records the hook error for
// the reconciler to retry.
func (s *Service) markHookFailed(ctx context.Context, tx storage.Store, p *storage.Payment, hookErr error) error {
	log.WithContext(ctx).WithFields(map[string]interface{}{
		"event":   "payment_hook_failed",
		"payment": p.ID,
	}).Error(hookErr)
	metrics.Payment("hook", "failed")
	if p.Metadata == nil {
		p.Metadata = map[string]interface{}{}
	}
	p.Metadata[storage.HookErrorKey] = hookErr.Error()
	return tx.UpdatePayment(ctx, p)
}

// Restart opens a fresh payment for the latest payment with authority
// and returns its StartPay URL.
func (s *Service) Restart(ctx context.Context, authority string) (string, error) {
	var url string
	err := s.store.Atomic(ctx, func(tx storage.Store) error {
		last, err := tx.LastPaymentByAuthority(ctx, authority)
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.New(apperr.PayNotFoundForUser, http.StatusNotFound, "Payment not found for this user/authority")
		}
		if err != nil {
			return err
		}
		user, err := tx.GetUser(ctx, last.UserID)
		if err != nil {
			return err
		}
		started, err := s.Initiate(ctx, tx, user, &Target{
			Type:        last.TargetType,
			ID:          last.TargetID,
			Amount:      last.Amount,
			Description: last.Description,
			Metadata:    carried(last.Metadata),
		})
		if err != nil {
			return audited(apperr.Newf(apperr.CompPaymentInitFailed, http.StatusConflict, "Failed to initiate payment: %s", err))
		}
		url = started.URL
		return nil
	})
	return url, err
}

// carried drops gateway bookkeeping from metadata.
func carried(metadata map[string]interface{}) map[string]interface{} {
	out := copyMetadata(metadata)
	for _, key := range []string{"fee", "fee_type", "stage", "exc"} {
		delete(out, key)
	}
	return out
}

// Reconcile verifies pending payments older than age and retries failed
// hooks. Each payment is re-read under lock, so one settled meanwhile by
// Verify is skipped.
func (s *Service) Reconcile(ctx context.Context, age time.Duration, limit int) (int, error) {
	stale, err := s.store.ListStalePendingPayments(ctx, time.Now().Add(-age), limit)
	if err != nil {
		return 0, err
	}
	settled := 0
	for _, candidate := range stale {
		err := s.store.Atomic(ctx, func(tx storage.Store) error {
			p, err := tx.LockPayment(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if p.Status != storage.PAYMENT_PENDING {
				return nil
			}
			if _, err := s.settle(ctx, tx, p); err != nil {
				return err
			}
			settled++
			return nil
		})
		if err != nil {
			return settled, err
		}
	}
	retried, err := s.RetryHooks(ctx, limit)
	return settled + retried, err
}

// RetryHooks runs the target hook again for settled payments whose hook
// failed, and reports how many went through.
func (s *Service) RetryHooks(ctx context.Context, limit int) (int, error) {
	failed, err := s.store.ListHookFailedPayments(ctx, limit)
	if err != nil {
		return 0, err
	}
	retried := 0
	for _, candidate := range failed {
		err := s.store.Atomic(ctx, func(tx storage.Store) error {
			p, err := tx.LockPayment(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if _, pending := p.Metadata[storage.HookErrorKey]; !pending {
				return nil
			}
			if err := s.runHook(ctx, tx, p); err != nil {
				return s.markHookFailed(ctx, tx, p, err)
			}
			delete(p.Metadata, storage.HookErrorKey)
			if err := tx.UpdatePayment(ctx, p); err != nil {
				return err
			}
			retried++
			return nil
		})
		if err != nil {
			return retried, err
		}
	}
	return retried, nil
}
