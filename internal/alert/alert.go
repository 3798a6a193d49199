// internal/alert/alert.go
package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/slack-go/slack"
)

// Alert: операционное событие, требующее внимания человека
// (конфликт сверки, сбой активации подписки после оплаты).
type Alert struct {
	Title  string
	Err    error
	Fields map[string]string
}

type Alerter interface {
	Alert(ctx context.Context, a Alert)
}

// Log пишет алерт в slog. Используется всегда, остальные каналы: по конфигурации.
type Log struct{}

func (Log) Alert(_ context.Context, a Alert) {
	args := []any{"error", a.Err}
	for _, k := range sortedKeys(a.Fields) {
		args = append(args, k, a.Fields[k])
	}
	slog.Error("ALERT: "+a.Title, args...)
}

// Sentry отправляет алерт как исключение с тегами.
type Sentry struct {
	hub *sentry.Hub
}

func NewSentry(hub *sentry.Hub) *Sentry {
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return &Sentry{hub: hub}
}

func (s *Sentry) Alert(_ context.Context, a Alert) {
	hub := s.hub.Clone()
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelError)
		scope.SetTag("alert", a.Title)
		for k, v := range a.Fields {
			scope.SetTag(k, v)
		}
		err := a.Err
		if err == nil {
			err = errors.New(a.Title)
		}
		hub.CaptureException(fmt.Errorf("%s: %w", a.Title, err))
	})
}

// Slack отправляет алерт во входящий вебхук канала.
type Slack struct {
	webhookURL string
	timeout    time.Duration
	post       func(ctx context.Context, url string, msg *slack.WebhookMessage) error
}

func NewSlack(webhookURL string) *Slack {
	return &Slack{webhookURL: webhookURL, timeout: 5 * time.Second, post: slack.PostWebhookContext}
}

func (s *Slack) Alert(ctx context.Context, a Alert) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	if err := s.post(ctx, s.webhookURL, message(a)); err != nil {
		slog.Warn("Не удалось отправить алерт в Slack", "title", a.Title, "error", err)
	}
}

func message(a Alert) *slack.WebhookMessage {
	fields := make([]slack.AttachmentField, 0, len(a.Fields))
	for _, k := range sortedKeys(a.Fields) {
		fields = append(fields, slack.AttachmentField{Title: k, Value: a.Fields[k], Short: true})
	}
	text := ""
	if a.Err != nil {
		text = a.Err.Error()
	}
	return &slack.WebhookMessage{
		Text: ":rotating_light: " + a.Title,
		Attachments: []slack.Attachment{{
			Color:  "danger",
			Text:   text,
			Fields: fields,
		}},
	}
}

// Multi рассылает алерт во все каналы.
type Multi []Alerter

func (m Multi) Alert(ctx context.Context, a Alert) {
	for _, al := range m {
		al.Alert(ctx, a)
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
