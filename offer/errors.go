package offer

import (
	"errors"
	"strings"
)

var (
	ErrInvalidInput          = errors.New("invalid input")
	ErrInvalidReferencePrice = errors.New("invalid reference price")
	ErrAccountLoad           = errors.New("account load failed")
	ErrSubmission            = errors.New("submission failed")
	ErrPriceUnavailable      = errors.New("price unavailable")
	ErrUnauthorizedUser      = errors.New("user not found")
	ErrSessionAlreadyActive  = errors.New("session already active")
	ErrSessionNotFound       = errors.New("session not found")
	ErrUnknownOffer          = errors.New("unknown offer")
	ErrIllegalTransition     = errors.New("illegal status transition")
)

// AccountLoadError 账户加载失败（网络错误或账户不存在）。
type AccountLoadError struct {
	Account string
	Err     error
}

func (e *AccountLoadError) Error() string {
	return "load account " + e.Account + ": " + e.Err.Error()
}

func (e *AccountLoadError) Unwrap() error { return e.Err }

func (e *AccountLoadError) Is(target error) bool { return target == ErrAccountLoad }

// SubmissionError 包装账本拒绝原因；对当前尝试是终态，网关内不重试。
type SubmissionError struct {
	Reason      string
	ResultCodes []string
	Err         error
}

func (e *SubmissionError) Error() string {
	msg := "submit transaction: " + e.Reason
	if len(e.ResultCodes) > 0 {
		msg += " [" + strings.Join(e.ResultCodes, ",") + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SubmissionError) Unwrap() error { return e.Err }

func (e *SubmissionError) Is(target error) bool { return target == ErrSubmission }

// PriceError 参考价不可用。
type PriceError struct {
	Symbol string
	Err    error
}

func (e *PriceError) Error() string {
	return "price " + e.Symbol + ": " + e.Err.Error()
}

func (e *PriceError) Unwrap() error { return e.Err }

func (e *PriceError) Is(target error) bool { return target == ErrPriceUnavailable }
