// internal/db/intents_db.go
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"oracle-dashboard/internal/models"
)

const intentColumns = `order_id, account_id, invoice_id, plan_id, billing_cycle, payment_type, method,
	amount, currency, payment_id, abandoned_at, abandon_reason, created_at, updated_at`

// CreateIntent сохраняет новую попытку оплаты до обращения к процессору.
func (s *Store) CreateIntent(ctx context.Context, intent models.PaymentIntent) error {
	query := `INSERT INTO payment_intents (order_id, account_id, invoice_id, plan_id, billing_cycle,
	          payment_type, method, amount, currency, created_at, updated_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	now := s.now().UTC()
	createdAt := intent.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	_, err := s.db.ExecContext(ctx, query,
		intent.OrderID,
		intent.AccountID,
		intent.InvoiceID,
		intent.PlanID,
		string(intent.BillingCycle),
		string(intent.PaymentType),
		string(intent.Method),
		intent.Amount,
		intent.Currency,
		createdAt.UTC(),
		now,
	)
	if err != nil {
		slog.Error("Ошибка сохранения намерения оплаты", "orderID", intent.OrderID, "accountID", intent.AccountID, "error", err)
		return fmt.Errorf("не удалось сохранить намерение оплаты: %w", err)
	}
	return nil
}

// AttachPaymentID запоминает id платежа процессора для намерения.
func (s *Store) AttachPaymentID(ctx context.Context, orderID, paymentID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE payment_intents SET payment_id = ?, updated_at = ? WHERE order_id = ?`,
		paymentID, s.now().UTC(), orderID)
	if err != nil {
		return fmt.Errorf("не удалось сохранить payment_id для %s: %w", orderID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("намерение %s: %w", orderID, models.ErrNotFound)
	}
	return nil
}

// MarkIntentAbandoned отмечает брошенную попытку. Повторная отметка ничего не меняет:
// сохраняется первая причина.
func (s *Store) MarkIntentAbandoned(ctx context.Context, orderID string, reason models.AbandonReason) error {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE payment_intents SET abandoned_at = ?, abandon_reason = ?, updated_at = ?
		 WHERE order_id = ? AND abandoned_at IS NULL`,
		now, string(reason), now, orderID)
	if err != nil {
		return fmt.Errorf("не удалось отметить намерение %s брошенным: %w", orderID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Info("Намерение оплаты отмечено брошенным", "orderID", orderID, "reason", reason)
	}
	return nil
}

func (s *Store) GetIntentByOrderID(ctx context.Context, orderID string) (*models.IntentRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE order_id = ?`, orderID)
	rec, err := scanIntent(row)
	if err != nil {
		return nil, fmt.Errorf("намерение %s: %w", orderID, err)
	}
	return rec, nil
}

// GetIntentByPaymentID ищет намерение по id платежа процессора (payment_id NOWPayments).
func (s *Store) GetIntentByPaymentID(ctx context.Context, paymentID string) (*models.IntentRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE payment_id = ?`, paymentID)
	rec, err := scanIntent(row)
	if err != nil {
		return nil, fmt.Errorf("намерение с платежом %s: %w", paymentID, err)
	}
	return rec, nil
}

// ListIntents: последние попытки оплаты аккаунта, новые первыми.
func (s *Store) ListIntents(ctx context.Context, accountID string, limit int) ([]models.IntentRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+intentColumns+` FROM payment_intents WHERE account_id = ? ORDER BY created_at DESC LIMIT ?`,
		accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения попыток оплаты: %w", err)
	}
	defer rows.Close()

	list := make([]models.IntentRecord, 0)
	for rows.Next() {
		rec, err := scanIntent(rows)
		if err != nil {
			slog.Error("Ошибка сканирования намерения оплаты", "accountID", accountID, "error", err)
			continue
		}
		list = append(list, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации попыток оплаты: %w", err)
	}
	return list, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanIntent(row scanner) (*models.IntentRecord, error) {
	var rec models.IntentRecord
	var cycle, paymentType, method string
	var paymentID, abandonReason sql.NullString
	var abandonedAt sql.NullTime

	err := row.Scan(
		&rec.OrderID, &rec.AccountID, &rec.InvoiceID, &rec.PlanID, &cycle, &paymentType, &method,
		&rec.Amount, &rec.Currency, &paymentID, &abandonedAt, &abandonReason, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	rec.BillingCycle = models.BillingCycle(cycle)
	rec.PaymentType = models.PaymentType(paymentType)
	rec.Method = models.PaymentMethod(method)
	rec.PaymentID = paymentID.String
	rec.AbandonReason = abandonReason.String
	if abandonedAt.Valid {
		t := abandonedAt.Time
		rec.AbandonedAt = &t
	}
	return &rec, nil
}
