// internal/billing/poller.go
package billing

import (
	"context"
	"sync"
	"time"

	"oracle-dashboard/internal/models"
)

const (
	DefaultPollInterval    = 5 * time.Second
	DefaultPollMaxAttempts = 180
)

type PollEventKind int

const (
	PollStatus PollEventKind = iota
	PollComplete
	PollSoftError
	PollTimeout
)

func (k PollEventKind) String() string {
	switch k {
	case PollStatus:
		return "status"
	case PollComplete:
		return "complete"
	case PollSoftError:
		return "soft_error"
	case PollTimeout:
		return "timeout"
	}
	return "unknown"
}

type PollEvent struct {
	Kind    PollEventKind
	Status  models.PaymentStatus
	Attempt int
	Err     error
}

type PollerConfig struct {
	Interval    time.Duration
	MaxAttempts int
}

func (c PollerConfig) withDefaults() PollerConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultPollInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultPollMaxAttempts
	}
	return c
}

// StatusFunc: один запрос статуса к процессору.
type StatusFunc func(ctx context.Context) (models.PaymentStatus, error)

// Poller опрашивает процессор до терминального статуса или исчерпания попыток.
// Одновременно выполняется не больше одного запроса. Ошибки сети не останавливают цикл,
// но расходуют попытку. Канал событий закрывается при выходе из цикла.
type Poller struct {
	cfg      PollerConfig
	check    StatusFunc
	events   chan PollEvent
	cancel   context.CancelFunc
	stopOnce sync.Once
	done     chan struct{}
}

// StartPoller сразу делает первый запрос и продолжает с интервалом cfg.Interval.
func StartPoller(parent context.Context, cfg PollerConfig, check StatusFunc) *Poller {
	ctx, cancel := context.WithCancel(parent)
	p := &Poller{
		cfg:    cfg.withDefaults(),
		check:  check,
		events: make(chan PollEvent, 8),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go p.run(ctx)
	return p
}

func (p *Poller) Events() <-chan PollEvent { return p.events }

func (p *Poller) Done() <-chan struct{} { return p.done }

// Stop идемпотентен и безопасен после завершения.
func (p *Poller) Stop() {
	p.stopOnce.Do(p.cancel)
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.done)
	defer close(p.events)
	defer p.cancel()

	timer := time.NewTimer(p.cfg.Interval)
	timer.Stop()
	defer timer.Stop()

	attempts := 0
	for {
		status, err := p.check(ctx)
		if ctx.Err() != nil {
			return
		}
		attempts++

		if err != nil {
			if !p.emit(ctx, PollEvent{Kind: PollSoftError, Attempt: attempts, Err: err}) {
				return
			}
		} else {
			if !p.emit(ctx, PollEvent{Kind: PollStatus, Status: status, Attempt: attempts}) {
				return
			}
			if status.IsTerminal() {
				p.emit(ctx, PollEvent{Kind: PollComplete, Status: status, Attempt: attempts})
				return
			}
		}

		if attempts >= p.cfg.MaxAttempts {
			p.emit(ctx, PollEvent{Kind: PollTimeout, Attempt: attempts, Err: models.ErrPollingTimeout})
			return
		}

		timer.Reset(p.cfg.Interval)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
}

func (p *Poller) emit(ctx context.Context, ev PollEvent) bool {
	select {
	case p.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
