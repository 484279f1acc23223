package dd

import (
	"fmt"
	"strings"
)

// ConfigError is fatal before any processing starts: a malformed or missing
// rule row, a missing mandatory option, or an unusable datatype.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string {
	return "data dictionary config: " + e.Msg
}

func configErrorf(format string, args ...interface{}) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// ValidationError reports a rule-table invariant violation, carrying the
// offending signatures and table names. Fatal; aborts before processing.
type ValidationError struct {
	Msg        string
	Signatures []string
}

func (e *ValidationError) Error() string {
	if len(e.Signatures) == 0 {
		return "data dictionary validation: " + e.Msg
	}
	return fmt.Sprintf("data dictionary validation: %s [%s]",
		e.Msg, strings.Join(e.Signatures, ", "))
}

func validationErrorf(sigs []string, format string, args ...interface{}) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...), Signatures: sigs}
}
