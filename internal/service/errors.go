// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"errors"
	"fmt"

	"mydouble-go/internal/cache"
	"mydouble-go/internal/repository"
	"mydouble-go/pkg/log"
	"mydouble-go/pkg/metrics"
	"mydouble-go/pkg/retry"
	"mydouble-go/pkg/synthesis"
)

var (
	ErrAlreadyUnlocked      = errors.New("asset already unlocked")
	ErrAlreadyCharged       = errors.New("cause already charged")
	ErrReservationInFlight  = errors.New("a reservation for this cause is already in progress")
	ErrAssetNotFound        = errors.New("asset not found")
	ErrAssetLocked          = errors.New("asset is locked")
	ErrJobNotFound          = errors.New("job not found")
	ErrNoMatchingDeduction  = errors.New("no matching deduction for refund")
	ErrInvalidAmount        = errors.New("amount must be positive")
	ErrUnknownResolution    = errors.New("unknown resolution")
	ErrForbidden            = errors.New("resource belongs to another account")
	ErrAlreadyCheckedIn     = errors.New("already checked in today")
	ErrUsernameTaken        = errors.New("username already exists")
	ErrInvalidCredentials   = errors.New("invalid credentials")
	ErrInvariantViolation   = errors.New("invariant violation")
	ErrConversationRequired = errors.New("conversation id is required")
	ErrInvalidRequest       = errors.New("invalid request")
)

// InsufficientCreditsError 是可预期的业务结果，携带准确的数字。
type InsufficientCreditsError struct {
	Available int
	Required  int
	Guest     bool
}

func (e *InsufficientCreditsError) Error() string {
	if e.Guest {
		return fmt.Sprintf("guest accounts cannot spend credits: required=%d", e.Required)
	}
	return fmt.Sprintf("insufficient credits: available=%d required=%d", e.Available, e.Required)
}

// Missing 返回还差多少积分。
func (e *InsufficientCreditsError) Missing() int {
	if e.Required > e.Available {
		return e.Required - e.Available
	}
	return 0
}

// SubmissionError 表示合成服务拒绝或无法接收请求。
type SubmissionError struct {
	Transient bool
	Err       error
}

func (e *SubmissionError) Error() string {
	return "submission failed: " + e.Err.Error()
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// ResultKind 是返回给调用方的判别结果类型。
type ResultKind string

const (
	KindOK                  ResultKind = "ok"
	KindInsufficientCredits ResultKind = "insufficient_credits"
	KindAlreadyUnlocked     ResultKind = "already_unlocked"
	KindTransientError      ResultKind = "transient_error"
	KindTerminalError       ResultKind = "terminal_error"
	KindNotFound            ResultKind = "not_found"
	KindInvalid             ResultKind = "invalid"
	KindForbidden           ResultKind = "forbidden"
)

// Classify 把错误映射为判别结果类型。
func Classify(err error) ResultKind {
	if err == nil {
		return KindOK
	}
	var insufficient *InsufficientCreditsError
	var submission *SubmissionError
	switch {
	case errors.As(err, &insufficient):
		return KindInsufficientCredits
	case errors.Is(err, ErrAlreadyUnlocked):
		return KindAlreadyUnlocked
	case errors.Is(err, ErrAssetNotFound), errors.Is(err, ErrJobNotFound), errors.Is(err, repository.ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrAssetLocked):
		return KindForbidden
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrUnknownResolution), errors.Is(err, ErrConversationRequired), errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrAlreadyCheckedIn), errors.Is(err, ErrUsernameTaken), errors.Is(err, ErrAlreadyCharged):
		return KindInvalid
	case errors.As(err, &submission):
		if submission.Transient {
			return KindTransientError
		}
		return KindTerminalError
	case errors.Is(err, synthesis.ErrTransport), errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrReservationInFlight),
		errors.Is(err, repository.ErrUnavailable), errors.Is(err, cache.ErrClosed):
		return KindTransientError
	}
	return KindTerminalError
}

// Invariants 处理不变量被破坏的情况：严格模式下 panic，否则记录日志并返回不可重试的错误，调用方不做任何修改。
type Invariants struct {
	Strict bool
}

// Violation 报告一次不变量破坏。
func (i Invariants) Violation(kind, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	metrics.InvariantViolations.WithLabelValues(kind).Inc()
	if i.Strict {
		panic(fmt.Sprintf("invariant violation (%s): %s", kind, msg))
	}
	log.Errorw("invariant violation", "kind", kind, "detail", msg)
	return retry.Permanent(fmt.Errorf("%w: %s: %s", ErrInvariantViolation, kind, msg))
}
