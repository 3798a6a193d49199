// internal/db/webhooks_db.go
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"oracle-dashboard/internal/models"
)

// WebhookLedger: журнал входящих вебхуков с дедупликацией по (provider, event_id).
type WebhookLedger struct {
	store *Store
}

func (s *Store) Webhooks() *WebhookLedger { return &WebhookLedger{store: s} }

// Record сохраняет событие, если его еще нет. Возвращает true, если такое событие
// уже было обработано без ошибки: повторную доставку можно пропустить.
func (l *WebhookLedger) Record(ctx context.Context, ev *models.WebhookEvent) (bool, error) {
	s := l.store
	receivedAt := ev.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = s.now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT IGNORE INTO webhook_events (provider, event_id, event_type, payload, signature_valid, received_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.Provider, ev.EventID, ev.EventType, ev.Payload, ev.SignatureValid, receivedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("не удалось сохранить вебхук %s/%s: %w", ev.Provider, ev.EventID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		if id, err := res.LastInsertId(); err == nil {
			ev.ID = id
		}
		return false, nil
	}

	var processedAt sql.NullTime
	var procErr sql.NullString
	err = s.db.QueryRowContext(ctx,
		`SELECT processed_at, processing_error FROM webhook_events WHERE provider = ? AND event_id = ?`,
		ev.Provider, ev.EventID).Scan(&processedAt, &procErr)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("не удалось прочитать вебхук %s/%s: %w", ev.Provider, ev.EventID, err)
	}
	return processedAt.Valid && procErr.String == "", nil
}

// MarkProcessed фиксирует итог обработки. procErr == nil очищает прошлую ошибку.
func (l *WebhookLedger) MarkProcessed(ctx context.Context, provider, eventID string, procErr error) error {
	s := l.store
	var msg sql.NullString
	if procErr != nil {
		msg = sql.NullString{String: procErr.Error(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE webhook_events SET processed_at = ?, processing_error = ? WHERE provider = ? AND event_id = ?`,
		s.now().UTC(), msg, provider, eventID)
	if err != nil {
		return fmt.Errorf("не удалось отметить вебхук %s/%s обработанным: %w", provider, eventID, err)
	}
	return nil
}
