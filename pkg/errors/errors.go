package errors

import (
	"fmt"

	crdb "github.com/cockroachdb/errors"

	"xlate/pkg/types"
)

// ConfigError is a host configuration problem detected before any guest code
// is accepted, such as an opcode with neither native support nor synthesis.
// It is fatal at startup.
type ConfigError struct {
	Message string
	Cause   error
}

func (e *ConfigError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Message, e.Cause)
	}
	return "configuration error: " + e.Message
}

func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// IsConfigError checks if err is or wraps a configuration error
func IsConfigError(err error) bool {
	var ce *ConfigError
	return crdb.As(err, &ce)
}

// WrapConfigError wraps an existing error as a configuration error
func WrapConfigError(err error, message string) *ConfigError {
	return &ConfigError{
		Message: message,
		Cause:   crdb.WithStack(err),
	}
}

// ConfigErrorf creates a new configuration error with formatted message
func ConfigErrorf(format string, args ...interface{}) *ConfigError {
	return &ConfigError{
		Message: fmt.Sprintf(format, args...),
	}
}

// TranslationReason classifies why a block could not be translated.
type TranslationReason int

const (
	ReasonDecode      TranslationReason = iota // guest decoder rejected the bytes
	ReasonTooLarge                             // block needs more spill slots than the context has
	ReasonFetch                                // first instruction could not be fetched
	ReasonBackend                              // backend could not encode the block
	ReasonBlacklisted                          // repeated failures; PC is interpreted until its code changes
)

func (r TranslationReason) String() string {
	switch r {
	case ReasonDecode:
		return "decode"
	case ReasonTooLarge:
		return "too large"
	case ReasonFetch:
		return "fetch"
	case ReasonBackend:
		return "backend"
	case ReasonBlacklisted:
		return "blacklisted"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// TranslationError reports that the block at PC cannot be translated. The
// dispatcher recovers by interpreting a single instruction.
type TranslationError struct {
	PC      types.GuestAddr
	Reason  TranslationReason
	Message string
	Cause   error
}

func (e *TranslationError) Error() string {
	msg := fmt.Sprintf("cannot translate block at %s (%s)", e.PC, e.Reason)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *TranslationError) Unwrap() error {
	return e.Cause
}

// IsTranslationError checks if err is or wraps a translation error
func IsTranslationError(err error) bool {
	var te *TranslationError
	return crdb.As(err, &te)
}

// WrapTranslationError wraps an existing error as a translation failure at pc
func WrapTranslationError(err error, pc types.GuestAddr, reason TranslationReason) *TranslationError {
	return &TranslationError{
		PC:     pc,
		Reason: reason,
		Cause:  err,
	}
}

// TranslationErrorf creates a new translation error with formatted message
func TranslationErrorf(pc types.GuestAddr, reason TranslationReason, format string, args ...interface{}) *TranslationError {
	return &TranslationError{
		PC:      pc,
		Reason:  reason,
		Message: fmt.Sprintf(format, args...),
	}
}

// GuestFault is a denied guest memory access. It is converted into a guest
// exception and never leaves the engine as a host error.
type GuestFault struct {
	Addr   types.GuestAddr
	Access types.Access
	Reason string
}

func (e *GuestFault) Error() string {
	return fmt.Sprintf("guest %s fault at %s: %s", e.Access, e.Addr, e.Reason)
}

// IsGuestFault checks if err is or wraps a guest fault
func IsGuestFault(err error) bool {
	var gf *GuestFault
	return crdb.As(err, &gf)
}

// ConsistencyError means the invalidation protocol was violated, e.g. a
// reclaimed block was reached. The engine instance must stop.
type ConsistencyError struct {
	Message string
	Cause   error
}

func (e *ConsistencyError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("cache consistency violation: %s: %v", e.Message, e.Cause)
	}
	return "cache consistency violation: " + e.Message
}

func (e *ConsistencyError) Unwrap() error {
	return e.Cause
}

// IsConsistencyError checks if err is or wraps a consistency violation
func IsConsistencyError(err error) bool {
	var ce *ConsistencyError
	return crdb.As(err, &ce)
}

// ConsistencyErrorf creates a consistency violation carrying a stack trace
func ConsistencyErrorf(format string, args ...interface{}) *ConsistencyError {
	return &ConsistencyError{
		Message: fmt.Sprintf(format, args...),
		Cause:   crdb.NewWithDepth(1, "invariant broken"),
	}
}

// BuilderMisuseError is returned when an IR builder is used after Finalize
// or handed operands it cannot accept.
type BuilderMisuseError struct {
	Op      string
	Message string
}

func (e *BuilderMisuseError) Error() string {
	return fmt.Sprintf("ir builder misuse in %s: %s", e.Op, e.Message)
}

// IsBuilderMisuse checks if err is or wraps a builder misuse error
func IsBuilderMisuse(err error) bool {
	var be *BuilderMisuseError
	return crdb.As(err, &be)
}

// IsFatal reports whether err must terminate the emulated session.
func IsFatal(err error) bool {
	return IsConfigError(err) || IsConsistencyError(err)
}

// Wrapf annotates err with context while keeping its type reachable via As.
func Wrapf(err error, format string, args ...interface{}) error {
	return crdb.Wrapf(err, format, args...)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return crdb.As(err, target)
}

// Is reports whether any error in err's chain matches reference.
func Is(err, reference error) bool {
	return crdb.Is(err, reference)
}
