package errcode

import (
	"errors"

	"tinygo.org/x/drivers/netlink"
)

// Code is a stable error identifier.
// It is a string newtype, comparable, allocation-free, and implements error.
type Code string

func (c Code) Error() string { return string(c) }

// Canonical codes (short, stable).
const (
	OK Code = "ok"

	ResourceUnavailable Code = "resource_unavailable" // radio or partition already claimed
	InvalidConfig       Code = "invalid_config"
	InvalidState        Code = "invalid_state"
	StorageError        Code = "storage_error"
	Timeout             Code = "timeout"
	RadioFault          Code = "radio_fault"
	NoAddress           Code = "no_address"
	Unsupported         Code = "unsupported"

	Error Code = "error" // generic fallback
)

// E keeps context and a cause alongside a Code.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	s := string(e.C)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}
func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Is makes errors.Is(err, errcode.X) true for any *E carrying code X.
func (e *E) Is(target error) bool {
	c, ok := target.(Code)
	return ok && c == e.C
}

// New builds an *E without a cause.
func New(c Code, op, msg string) error {
	return &E{C: c, Op: op, Msg: msg}
}

// Wrap attaches a code and operation to err. Wrap(nil) is nil.
func Wrap(c Code, op string, err error) error {
	if err == nil {
		return nil
	}
	return &E{C: c, Op: op, Err: err}
}

// Of extracts a Code from an error, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	if c, ok := err.(Code); ok {
		return c
	}
	type coder interface{ Code() Code }
	var x coder
	if errors.As(err, &x) {
		return x.Code()
	}
	return Error
}

// MapDriverErr maps low-level radio driver errors to a Code.
// Errors that already carry a Code keep it.
func MapDriverErr(err error) Code {
	if err == nil {
		return OK
	}
	if c := Of(err); c != Error {
		return c
	}
	switch {
	case errors.Is(err, netlink.ErrConnectTimeout):
		return Timeout
	case errors.Is(err, netlink.ErrMissingSSID),
		errors.Is(err, netlink.ErrShortPassphrase),
		errors.Is(err, netlink.ErrAuthTypeNoGood),
		errors.Is(err, netlink.ErrConnectModeNoGood):
		return InvalidConfig
	case errors.Is(err, netlink.ErrNotSupported):
		return Unsupported
	default:
		return RadioFault
	}
}

// FromDriver wraps a radio driver error with its mapped code.
func FromDriver(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *E
	if errors.As(err, &e) {
		return err
	}
	return &E{C: MapDriverErr(err), Op: op, Err: err}
}
