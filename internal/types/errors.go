package types

import "fmt"

// Error codes surfaced in result envelopes. Callers branch on the code,
// never on the message text.
const (
	ErrCodeLockContention   = "LOCK_CONTENTION"
	ErrCodeIdempotentReplay = "IDEMPOTENT_REPLAY"
	ErrCodeRiskRejected     = "RISK_REJECTED"
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeRetryableExec    = "RETRYABLE_EXECUTION_ERROR"
	ErrCodeFatalExec        = "FATAL_EXECUTION_ERROR"
	ErrCodeMonitoring       = "MONITORING_ERROR"
)

// TradeError carries a taxonomy code alongside the message so the HTTP
// layer can map failures to envelope codes without unwrapping internals.
type TradeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *TradeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewTradeError builds a TradeError with a formatted message.
func NewTradeError(code, format string, args ...interface{}) *TradeError {
	return &TradeError{Code: code, Message: fmt.Sprintf(format, args...)}
}
