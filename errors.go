package intelpt

import (
	"errors"
	"fmt"
)

// ErrorCode is the public error taxonomy a caller sees in State.Err,
// ported from intel_pt_ext_err/intel_pt_err_msgs in intel-pt-decoder.c.
type ErrorCode int

const (
	ErrNone ErrorCode = iota
	ErrNoMem
	ErrIntern
	ErrBadPkt
	ErrNoData
	ErrNoInsn
	ErrMismatch
	ErrOverflow
	ErrLost
	ErrUnknown
	ErrNeverEndingLoop
)

var errorMessages = map[ErrorCode]string{
	ErrNoMem:           "Memory allocation failed",
	ErrIntern:          "Internal error",
	ErrBadPkt:          "Bad packet",
	ErrNoData:          "No more data",
	ErrNoInsn:          "Failed to get instruction",
	ErrMismatch:        "Trace doesn't match instruction",
	ErrOverflow:        "Overflow packet",
	ErrLost:            "Lost trace data",
	ErrUnknown:         "Unknown error!",
	ErrNeverEndingLoop: "Never-ending loop",
}

// Error implements the error interface with the fixed taxonomy message.
func (c ErrorCode) Error() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return errorMessages[ErrUnknown]
}

// DecodeError is the error Decode publishes in State.Err, built from the
// internal sentinel the automaton returned. It unwraps to its ErrorCode.
// IP is the instruction pointer at the point of failure, mirroring
// state.from_ip on error.
type DecodeError struct {
	Code ErrorCode
	IP   uint64
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("intelpt: %s at ip=%#x", e.Code, e.IP)
}

func (e *DecodeError) Unwrap() error { return e.Code }

// Internal sentinel errors, the Go-idiomatic replacement for the errno
// values intel_pt_decoder.c threads through its call chain. errAgain is a
// control-flow signal, not a failure; it is never wrapped into a
// DecodeError.
var (
	errAgain           = errors.New("intelpt: need next packet")
	errNoLink          = errors.New("intelpt: resync requested")
	errBadPacket       = errors.New("intelpt: bad packet")
	errNoData          = errors.New("intelpt: no more data")
	errNoInsn          = errors.New("intelpt: failed to get instruction")
	errMismatch        = errors.New("intelpt: trace doesn't match instruction")
	errOverflow        = errors.New("intelpt: overflow packet")
	errNeverEndingLoop = errors.New("intelpt: never-ending loop")
	errIntern          = errors.New("intelpt: internal error")
)

// extErr maps an internal sentinel error to its public taxonomy code,
// mirroring intel_pt_ext_err's errno switch.
func extErr(err error) ErrorCode {
	switch {
	case errors.Is(err, errBadPacket):
		return ErrBadPkt
	case errors.Is(err, errNoData):
		return ErrNoData
	case errors.Is(err, errNoInsn):
		return ErrNoInsn
	case errors.Is(err, errMismatch):
		return ErrMismatch
	case errors.Is(err, errOverflow):
		return ErrOverflow
	case errors.Is(err, errNeverEndingLoop):
		return ErrNeverEndingLoop
	case errors.Is(err, errIntern):
		return ErrIntern
	default:
		return ErrUnknown
	}
}
