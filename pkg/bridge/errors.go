package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/p13marc/zensight/pkg/fabric"
	"github.com/p13marc/zensight/pkg/model"
)

// Kind classifies a bridge error for propagation policy.
type Kind int

const (
	KindOther Kind = iota
	KindConfig
	KindTransport
	KindDecode
	KindTimeout
	KindAuth
	KindParse
	KindOverflow
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindTransport:
		return "transport"
	case KindDecode:
		return "decode"
	case KindTimeout:
		return "timeout"
	case KindAuth:
		return "auth"
	case KindParse:
		return "parse"
	case KindOverflow:
		return "overflow"
	case KindCancelled:
		return "cancelled"
	}
	return "other"
}

// Error is the unified bridge error. Every error carries whether a retry
// can help and, when the failure is tied to a device, which one.
type Error struct {
	Kind      Kind
	Device    string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Device != "" {
		return fmt.Sprintf("%s (device %s): %v", e.Kind, e.Device, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Errf builds an error of the given kind.
func Errf(kind Kind, device string, retryable bool, format string, args ...any) *Error {
	return &Error{Kind: kind, Device: device, Retryable: retryable, Err: fmt.Errorf(format, args...)}
}

func TimeoutError(device string, err error) *Error {
	return &Error{Kind: KindTimeout, Device: device, Retryable: true, Err: err}
}

func AuthError(device string, err error) *Error {
	return &Error{Kind: KindAuth, Device: device, Retryable: false, Err: err}
}

func ParseError(device string, err error) *Error {
	return &Error{Kind: KindParse, Device: device, Retryable: false, Err: err}
}

func TransportError(err error) *Error {
	return &Error{Kind: KindTransport, Retryable: true, Err: err}
}

func OverflowError(err error) *Error {
	return &Error{Kind: KindOverflow, Retryable: false, Err: err}
}

// Classify wraps an arbitrary error with its best-fit kind. Already
// classified errors pass through unchanged.
func Classify(device string, err error) *Error {
	var be *Error
	if errors.As(err, &be) {
		return be
	}
	switch {
	case errors.Is(err, context.Canceled):
		return &Error{Kind: KindCancelled, Device: device, Retryable: false, Err: err}
	case errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) || isNetTimeout(err):
		return TimeoutError(device, err)
	case errors.Is(err, fabric.ErrClosed) || errors.Is(err, fabric.ErrNoResponders):
		return TransportError(err)
	}
	return &Error{Kind: KindOther, Device: device, Retryable: false, Err: err}
}

func isNetTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// reportType maps the internal taxonomy onto the published one.
func (e *Error) reportType() model.ErrorType {
	switch e.Kind {
	case KindTimeout:
		return model.ErrTimeout
	case KindAuth:
		return model.ErrAuth
	case KindTransport:
		return model.ErrConnection
	case KindDecode, KindParse:
		return model.ErrParse
	case KindConfig:
		return model.ErrConfig
	}
	return model.ErrOther
}

// Report converts the error into its published form.
func (e *Error) Report() model.ErrorReport {
	return model.ErrorReport{
		Timestamp: model.NowMillis(),
		Device:    e.Device,
		ErrorType: e.reportType(),
		Message:   e.Err.Error(),
		Retryable: e.Retryable,
	}
}
