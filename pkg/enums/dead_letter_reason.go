package enums

type DeadLetterReason string

const (
	DeadLetterMaxAttempts  DeadLetterReason = "max_attempts"
	DeadLetterNonRetryable DeadLetterReason = "non_retryable"
)

var validDeadLetterReasons = []DeadLetterReason{
	DeadLetterMaxAttempts,
	DeadLetterNonRetryable,
}

func (r DeadLetterReason) IsValid() bool {
	for _, candidate := range validDeadLetterReasons {
		if candidate == r {
			return true
		}
	}
	return false
}
