// internal/billing/registry.go
package billing

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Registry хранит открытые окна оплаты. Окно доступно только своему аккаунту.
type Registry struct {
	mu      sync.Mutex
	dialogs map[string]*Dialog
	idleTTL time.Duration
	now     func() time.Time
}

func NewRegistry(idleTTL time.Duration) *Registry {
	if idleTTL <= 0 {
		idleTTL = DefaultPaymentWindow + 15*time.Minute
	}
	return &Registry{dialogs: make(map[string]*Dialog), idleTTL: idleTTL, now: time.Now}
}

func (r *Registry) Add(d *Dialog) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dialogs[d.ID] = d
}

func (r *Registry) Get(id, accountID string) (*Dialog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.dialogs[id]
	if !ok || d.AccountID != accountID {
		return nil, ErrDialogNotFound
	}
	return d, nil
}

// Remove закрывает окно и забывает его.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	d, ok := r.dialogs[id]
	delete(r.dialogs, id)
	r.mu.Unlock()
	if ok {
		_ = d.Cancel()
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.dialogs)
}

// Sweep удаляет закрытые окна и закрывает простаивающие дольше idleTTL.
func (r *Registry) Sweep() int {
	now := r.now()
	var stale []*Dialog

	r.mu.Lock()
	for id, d := range r.dialogs {
		if d.State() == StateClosed || now.Sub(d.LastActivity()) > r.idleTTL {
			stale = append(stale, d)
			delete(r.dialogs, id)
		}
	}
	r.mu.Unlock()

	for _, d := range stale {
		_ = d.Cancel()
	}
	if len(stale) > 0 {
		slog.Debug("Удалены неактивные окна оплаты", "count", len(stale))
	}
	return len(stale)
}

// Run периодически вызывает Sweep до отмены ctx, затем закрывает все окна.
func (r *Registry) Run(ctx context.Context, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.closeAll()
			return nil
		case <-ticker.C:
			r.Sweep()
		}
	}
}

func (r *Registry) closeAll() {
	r.mu.Lock()
	all := r.dialogs
	r.dialogs = make(map[string]*Dialog)
	r.mu.Unlock()
	for _, d := range all {
		_ = d.Cancel()
	}
}
