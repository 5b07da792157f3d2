package risk

import (
	"fmt"
	"strings"
)

// ValidationError rejects telemetry before it reaches the pipeline.
// The caller maps it to a client error; nothing with a ValidationError
// is ever scored.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid telemetry: %s: %s", e.Field, e.Reason)
}

// Context keys that look like direct identifiers. Telemetry context is
// a signal channel, not a profile store; PII is refused outright.
var bannedContextKeys = map[string]struct{}{
	"email":         {},
	"e-mail":        {},
	"phone":         {},
	"phone_number":  {},
	"name":          {},
	"full_name":     {},
	"first_name":    {},
	"last_name":     {},
	"dob":           {},
	"date_of_birth": {},
	"ssn":           {},
	"passport":      {},
	"national_id":   {},
}

const (
	maxContextKeys   = 64
	maxContextValLen = 512
	maxUserIDLen     = 128
)

// ValidateTelemetry enforces structural limits and the banned-key
// list. It never mutates its input.
func ValidateTelemetry(t *Telemetry) error {
	if t == nil {
		return &ValidationError{Field: "telemetry", Reason: "missing body"}
	}
	if strings.TrimSpace(t.UserID) == "" {
		return &ValidationError{Field: "user_id", Reason: "required"}
	}
	if len(t.UserID) > maxUserIDLen {
		return &ValidationError{Field: "user_id", Reason: "too long"}
	}
	if len(t.Context) > maxContextKeys {
		return &ValidationError{Field: "context", Reason: fmt.Sprintf("more than %d keys", maxContextKeys)}
	}
	for k, v := range t.Context {
		lk := strings.ToLower(strings.TrimSpace(k))
		if _, banned := bannedContextKeys[lk]; banned {
			return &ValidationError{Field: "context." + k, Reason: "personally identifying keys are not accepted"}
		}
		if s, ok := v.(string); ok && len(s) > maxContextValLen {
			return &ValidationError{Field: "context." + k, Reason: "value too long"}
		}
	}
	if d := t.Device; d != nil {
		if d.ScreenWidth < 0 || d.ScreenHeight < 0 {
			return &ValidationError{Field: "device.screen", Reason: "negative geometry"}
		}
		if d.PixelRatio < 0 {
			return &ValidationError{Field: "device.pixel_ratio", Reason: "negative"}
		}
	}
	if b := t.Behavior; b != nil {
		if b.AvgKeyIntervalMs < 0 || b.KeyIntervalStdMs < 0 || b.ScrollEventsPerSec < 0 ||
			b.PointerAvgVelocity < 0 || b.PointerMaxVelocity < 0 || b.MouseDistance < 0 {
			return &ValidationError{Field: "behavior", Reason: "negative measurement"}
		}
	}
	return nil
}
