package config

// ValidateQuoting 校验报价参数；热加载时单独调用。
func ValidateQuoting(q QuotingConfig) error {
	if len(q.Spreads) == 0 {
		return ErrInvalid("quoting.spreads must not be empty")
	}
	for _, s := range q.Spreads {
		if s <= 0 || s >= 100 {
			return ErrInvalid("quoting.spreads must be in (0, 100)")
		}
	}
	if q.DefaultSpread <= 0 || q.DefaultSpread >= 100 {
		return ErrInvalid("quoting.defaultSpread must be in (0, 100)")
	}
	if q.RequoteInterval < 0 {
		return ErrInvalid("quoting.requoteInterval must be >= 0")
	}
	if q.OracleTimeout < 0 {
		return ErrInvalid("quoting.oracleTimeout must be >= 0")
	}
	if q.FailureAlertThreshold < 0 {
		return ErrInvalid("quoting.failureAlertThreshold must be >= 0")
	}
	return nil
}

// ErrInvalid 用于参数验证错误。
type ErrInvalid string

func (e ErrInvalid) Error() string { return string(e) }
