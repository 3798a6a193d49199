// internal/models/errors.go
package models

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	ErrProcessorUnavailable   = errors.New("payment processor unavailable")
	ErrProcessorRejected      = errors.New("payment processor rejected the request")
	ErrProcessorTimeout       = errors.New("payment processor timed out")
	ErrPollingTimeout         = errors.New("payment status still pending after polling budget")
	ErrReconciliationConflict = errors.New("reconciliation conflict")
	ErrVerificationFailed     = errors.New("payment verification failed")

	ErrNotFound         = errors.New("not found")
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// ProcessorError: нормализованная ошибка адаптера процессора.
// Kind: один из ErrProcessorUnavailable, ErrProcessorRejected, ErrProcessorTimeout.
type ProcessorError struct {
	Kind       error
	Processor  string
	StatusCode int
	Message    string
	Err        error
}

func (e *ProcessorError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Processor, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (http %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProcessorError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Retryable: пользователь может повторить попытку позже.
func (e *ProcessorError) Retryable() bool {
	return !errors.Is(e.Kind, ErrProcessorRejected)
}

// TransportError классифицирует сетевую ошибку запроса к процессору.
func TransportError(processor string, err error) error {
	kind := ErrProcessorUnavailable
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = ErrProcessorTimeout
	}
	return &ProcessorError{Kind: kind, Processor: processor, Err: err}
}

// StatusError классифицирует неуспешный HTTP-ответ процессора.
// 5xx и 429 считаются недоступностью, остальные 4xx: отказом.
func StatusError(processor string, statusCode int, message string) error {
	kind := ErrProcessorRejected
	switch {
	case statusCode == http.StatusRequestTimeout, statusCode == http.StatusGatewayTimeout:
		kind = ErrProcessorTimeout
	case statusCode >= 500, statusCode == http.StatusTooManyRequests:
		kind = ErrProcessorUnavailable
	}
	return &ProcessorError{Kind: kind, Processor: processor, StatusCode: statusCode, Message: message}
}
