package authstate

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrClosed       = errors.New("store closed")
	ErrNotSealed    = errors.New("value is not sealed")
	ErrUnseal       = errors.New("unseal failed")
	ErrUnsupported  = errors.New("unsupported store url")
)

// OpError is a store failure with a stable Op + Kind for callers and tests.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

func invalid(op, msg string) error {
	return OpError{Op: op, Kind: ErrInvalidInput, Msg: msg}
}
