// internal/db/cleanup.go
package db

import (
	"context"
	"log/slog"
	"time"
)

// CleanupWebhookEvents удаляет успешно обработанные вебхуки старше retention.
// Записи с ошибкой обработки остаются для разбора.
func (s *Store) CleanupWebhookEvents(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := s.now().Add(-retention).UTC()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM webhook_events
		 WHERE processed_at IS NOT NULL AND processing_error IS NULL AND received_at < ?`,
		cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RunCleanup периодически чистит журнал вебхуков до отмены ctx.
func (s *Store) RunCleanup(ctx context.Context, interval, retention time.Duration) error {
	slog.Info("Планировщик очистки журнала вебхуков запущен", "interval", interval.String(), "retention", retention.String())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.CleanupWebhookEvents(ctx, retention)
			if err != nil {
				slog.Error("Ошибка очистки журнала вебхуков", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("Очищены старые вебхуки", "count", n)
			}
		}
	}
}
