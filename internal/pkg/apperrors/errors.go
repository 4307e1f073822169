package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorType string

const (
	ErrRiskReject     ErrorType = "RISK_REJECT"
	ErrHalted         ErrorType = "TRADING_HALTED"
	ErrResolution     ErrorType = "RESOLUTION_FAILED"
	ErrConflict       ErrorType = "CONFLICT"
	ErrAuthFailed     ErrorType = "AUTH_FAILED"
	ErrInvalidRequest ErrorType = "INVALID_REQUEST"
	ErrNotFound       ErrorType = "NOT_FOUND"
	ErrInternal       ErrorType = "INTERNAL_ERROR"
	ErrUpstream       ErrorType = "UPSTREAM_ERROR"
	ErrReadOnly       ErrorType = "READ_ONLY"
)

// AppError is the standard error struct for the application.
// Rule 仅在 RISK_REJECT 时填充，是审计与前端展示用的稳定规则码。
type AppError struct {
	Type       ErrorType `json:"code"`
	Rule       string    `json:"rule,omitempty"`
	Message    string    `json:"message"`
	Suggestion string    `json:"suggestion,omitempty"`
	HTTPStatus int       `json:"-"`
	Cause      error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func New(errType ErrorType, msg string, cause error) *AppError {
	return &AppError{
		Type:       errType,
		Message:    msg,
		Cause:      cause,
		HTTPStatus: mapTypeToStatus(errType),
		Suggestion: mapTypeToSuggestion(errType),
	}
}

// NewRiskViolation 策略/风控拒单。rule 必须是稳定的机器可读码,
// 例如 MAX_SINGLE_ORDER_SIZE 或 STRATEGY_POLICY。
func NewRiskViolation(rule, msg string) *AppError {
	e := New(ErrRiskReject, msg, nil)
	e.Rule = rule
	return e
}

// NewHalted marks a request blocked by the global emergency halt.
func NewHalted(reason string) *AppError {
	msg := "trading is globally halted by emergency control"
	if reason != "" {
		msg = fmt.Sprintf("%s: %s", msg, reason)
	}
	return New(ErrHalted, msg, nil)
}

// NewResolutionFailure 策略模板无法从当前行情构造出合法结构。
func NewResolutionFailure(msg string) *AppError {
	return New(ErrResolution, msg, nil)
}

func NewInvalidRequest(msg string) *AppError {
	return New(ErrInvalidRequest, msg, nil)
}

func NewNotFound(msg string) *AppError {
	return New(ErrNotFound, msg, nil)
}

func NewUpstream(msg string, cause error) *AppError {
	return New(ErrUpstream, msg, cause)
}

func Wrap(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return New(ErrInternal, err.Error(), err)
}

// IsRiskViolation reports whether err is a policy rejection and, if so,
// returns its rule code.
func IsRiskViolation(err error) (string, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Type == ErrRiskReject {
		return appErr.Rule, true
	}
	return "", false
}

func IsHalted(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Type == ErrHalted
}

func mapTypeToStatus(t ErrorType) int {
	switch t {
	case ErrRiskReject, ErrInvalidRequest, ErrResolution:
		return http.StatusBadRequest
	case ErrAuthFailed:
		return http.StatusUnauthorized
	case ErrHalted:
		return http.StatusLocked
	case ErrConflict:
		return http.StatusConflict
	case ErrNotFound:
		return http.StatusNotFound
	case ErrUpstream:
		return http.StatusBadGateway
	case ErrReadOnly:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func mapTypeToSuggestion(t ErrorType) string {
	switch t {
	case ErrRiskReject:
		return "Check order parameters against tenant risk limits."
	case ErrHalted:
		return "Wait for an administrator to lift the emergency halt."
	case ErrResolution:
		return "Adjust template DTE range or wing width for current market data."
	case ErrConflict:
		return "Retry the request."
	case ErrAuthFailed:
		return "Check API keys."
	case ErrReadOnly:
		return "The gateway is in maintenance mode, retry later."
	default:
		return ""
	}
}
