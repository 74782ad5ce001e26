package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4"
)

const paymentColumns = `id, user_id, target_type, target_id, amount, currency, status, authority,
	ref_id, card_pan, card_hash, zarinpal_code, zarinpal_message, description, metadata,
	created_at, updated_at`

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	err := row.Scan(
		&p.ID,
		&p.UserID,
		&p.TargetType,
		&p.TargetID,
		&p.Amount,
		&p.Currency,
		&p.Status,
		&p.Authority,
		&p.RefID,
		&p.CardPan,
		&p.CardHash,
		&p.ZarinpalCode,
		&p.ZarinpalMessage,
		&p.Description,
		&p.Metadata,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if p.Metadata == nil {
		p.Metadata = map[string]interface{}{}
	}
	return &p, nil
}

func (s *PGStore) listPayments(ctx context.Context, query string, args ...interface{}) ([]*Payment, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, translate(err, "list payments")
	}
	defer rows.Close()
	payments := []*Payment{}
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, translate(err, "scan payment")
		}
		payments = append(payments, p)
	}
	return payments, translate(rows.Err(), "list payments")
}

// CreatePayment - ...
func (s *PGStore) CreatePayment(ctx context.Context, p *Payment) error {
	if p.Currency == "" {
		p.Currency = "IRR"
	}
	if p.Metadata == nil {
		p.Metadata = map[string]interface{}{}
	}
	query := `
	insert into payments(user_id, target_type, target_id, amount, currency, status, authority,
		ref_id, card_pan, card_hash, zarinpal_code, zarinpal_message, description, metadata)
	values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	returning id, created_at, updated_at`
	err := s.db.QueryRow(ctx, query,
		p.UserID,
		p.TargetType,
		p.TargetID,
		p.Amount,
		p.Currency,
		p.Status,
		p.Authority,
		p.RefID,
		p.CardPan,
		p.CardHash,
		p.ZarinpalCode,
		p.ZarinpalMessage,
		p.Description,
		p.Metadata,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	return translate(err, "create payment")
}

// UpdatePayment - persists gateway outcome
func (s *PGStore) UpdatePayment(ctx context.Context, p *Payment) error {
	query := `
	update payments set
		status = $2,
		ref_id = $3,
		card_pan = $4,
		card_hash = $5,
		zarinpal_code = $6,
		zarinpal_message = $7,
		metadata = $8,
		updated_at = now()
	where id = $1
	returning updated_at`
	err := s.db.QueryRow(ctx, query,
		p.ID,
		p.Status,
		p.RefID,
		p.CardPan,
		p.CardHash,
		p.ZarinpalCode,
		p.ZarinpalMessage,
		p.Metadata,
	).Scan(&p.UpdatedAt)
	return translate(err, "update payment %d", p.ID)
}

// ListPendingPayments - locks the user's pending payments
func (s *PGStore) ListPendingPayments(ctx context.Context, userID int64) ([]*Payment, error) {
	query := `select ` + paymentColumns + ` from payments where user_id = $1 and status = 'PENDING' order by id for update`
	return s.listPayments(ctx, query, userID)
}

// ListStalePendingPayments - pending payments created before the given time.
// Rows are not locked; callers re-read them with LockPayment.
func (s *PGStore) ListStalePendingPayments(ctx context.Context, before time.Time, limit int) ([]*Payment, error) {
	query := `select ` + paymentColumns + ` from payments
	where status = 'PENDING' and authority <> '' and created_at < $1
	order by id limit $2`
	return s.listPayments(ctx, query, before, limit)
}

// ListHookFailedPayments - settled payments whose target hook still has to run
func (s *PGStore) ListHookFailedPayments(ctx context.Context, limit int) ([]*Payment, error) {
	query := `select ` + paymentColumns + ` from payments
	where status in ('SUCCESSFUL', 'FAILED') and metadata ->> '` + HookErrorKey + `' is not null
	order by id limit $1`
	return s.listPayments(ctx, query, limit)
}

// LockPayment - ...
func (s *PGStore) LockPayment(ctx context.Context, id int64) (*Payment, error) {
	query := `select ` + paymentColumns + ` from payments where id = $1 for update`
	p, err := scanPayment(s.db.QueryRow(ctx, query, id))
	return p, translate(err, "lock payment %d", id)
}

// GetPaymentByAuthority - ...
func (s *PGStore) GetPaymentByAuthority(ctx context.Context, userID int64, authority string) (*Payment, error) {
	query := `select ` + paymentColumns + ` from payments where user_id = $1 and authority = $2 order by id desc limit 1 for update`
	p, err := scanPayment(s.db.QueryRow(ctx, query, userID, authority))
	return p, translate(err, "get payment %s", authority)
}

// LastPaymentByAuthority - ...
func (s *PGStore) LastPaymentByAuthority(ctx context.Context, authority string) (*Payment, error) {
	query := `select ` + paymentColumns + ` from payments where authority = $1 order by id desc limit 1`
	p, err := scanPayment(s.db.QueryRow(ctx, query, authority))
	return p, translate(err, "get payment %s", authority)
}
