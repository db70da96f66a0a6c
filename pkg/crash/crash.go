// Package crash decides whether an unhandled failure should take the process down.
//
// The only benign case is Postgres closing an idle session on its own
// (SQLSTATE 57P05). Every other failure is fatal so the supervisor can restart
// the process into a known state.
package crash

import (
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/angelmondragon/eventcore/pkg/errors"
)

// Classifications reported in Verdict.
const (
	ClassIdleSessionTimeout = "idle_session_timeout"
	ClassFatal              = "fatal"
)

var idleSessionPattern = regexp.MustCompile(`(?i)terminating connection due to idle[- ]session timeout`)

// Verdict is the outcome of Classify.
type Verdict struct {
	IsFatal        bool
	Classification string
	LogMessage     string
}

// Classify inspects reason, typically a recovered panic value or an error
// escaping a goroutine. source names where it surfaced.
func Classify(source string, reason any) Verdict {
	if source == "" {
		source = "unknown"
	}
	if isIdleSessionTimeout(reason) {
		return Verdict{
			IsFatal:        false,
			Classification: ClassIdleSessionTimeout,
			LogMessage:     fmt.Sprintf("%s: database closed an idle session; continuing", source),
		}
	}
	return Verdict{
		IsFatal:        true,
		Classification: ClassFatal,
		LogMessage:     fmt.Sprintf("%s: unrecoverable failure: %s", source, safeMessage(reason)),
	}
}

func isIdleSessionTimeout(reason any) bool {
	if err, ok := reason.(error); ok {
		if errors.PGCode(err) == errors.SQLStateIdleSessionTimeout {
			return true
		}
		for e := err; e != nil; e = stdErrors.Unwrap(e) {
			if coded, ok := e.(interface{ SQLState() string }); ok && coded.SQLState() == errors.SQLStateIdleSessionTimeout {
				return true
			}
		}
	}
	return idleSessionPattern.MatchString(safeMessage(reason))
}

// Describe turns any failure reason into loggable fields: message, type, code,
// chain, and pg details when present. It never panics.
func Describe(reason any) (fields map[string]any) {
	fields = map[string]any{}
	defer func() {
		if r := recover(); r != nil {
			fields = map[string]any{
				"message":         "unserializable failure reason",
				"type":            fmt.Sprintf("%T", reason),
				"serialize_error": fmt.Sprint(r),
			}
		}
	}()

	fields["type"] = fmt.Sprintf("%T", reason)
	switch v := reason.(type) {
	case nil:
		fields["message"] = "nil failure reason"
	case error:
		dump := errors.Dump(v)
		fields["message"] = dump.TopMessage
		if dump.Code != "" {
			fields["code"] = string(dump.Code)
		}
		if dump.PGCode != "" {
			fields["code"] = dump.PGCode
			fields["pg_message"] = dump.PGMessage
			if dump.PGDetail != "" {
				fields["pg_detail"] = dump.PGDetail
			}
		}
		if len(dump.Chain) > 1 {
			fields["chain"] = dump.Chain
		}
	case string:
		fields["message"] = v
	case fmt.Stringer:
		fields["message"] = v.String()
	default:
		fields["message"] = safeMessage(v)
		if raw, err := json.Marshal(v); err == nil {
			fields["value"] = string(raw)
		} else {
			fields["serialize_error"] = err.Error()
		}
	}
	return fields
}

// WithStack adds a captured stack trace to Describe output.
func WithStack(fields map[string]any, stack []byte) map[string]any {
	if fields == nil {
		fields = map[string]any{}
	}
	if trimmed := strings.TrimSpace(string(stack)); trimmed != "" {
		fields["stack"] = trimmed
	}
	return fields
}

func safeMessage(reason any) (msg string) {
	defer func() {
		if r := recover(); r != nil {
			msg = fmt.Sprintf("<%T: message unavailable>", reason)
		}
	}()
	switch v := reason.(type) {
	case nil:
		return "<nil>"
	case error:
		return v.Error()
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}
