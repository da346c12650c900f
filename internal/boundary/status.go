package boundary

import (
	"fmt"
	"math"
)

// Status is the outcome of a boundary call. It is never a protocol result:
// protocol failures arrive as a Failed step with StatusOK.
type Status int32

const (
	StatusOK Status = iota
	StatusInvalidHandle
	StatusInvalidArgument
	StatusInvalidConfig
	StatusPanic
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusInvalidHandle:
		return "invalid_handle"
	case StatusInvalidArgument:
		return "invalid_argument"
	case StatusInvalidConfig:
		return "invalid_config"
	case StatusPanic:
		return "panic"
	default:
		return fmt.Sprintf("Status(%d)", int32(s))
	}
}

// Result pairs a Status with a diagnostic message.
type Result struct {
	Status  Status
	Message string
}

// OK reports whether the call succeeded.
func (r Result) OK() bool {
	return r.Status == StatusOK
}

func ok() Result {
	return Result{Status: StatusOK}
}

func invalidHandle(h Handle, want string) Result {
	return Result{Status: StatusInvalidHandle, Message: fmt.Sprintf("handle %d is not a live %s", h, want)}
}

func invalidArgument(format string, args ...any) Result {
	return Result{Status: StatusInvalidArgument, Message: fmt.Sprintf(format, args...)}
}

// MaxBufferLen is the largest length accepted for a buffer or array passed
// in by a foreign caller.
const MaxBufferLen = math.MaxInt32

// CheckBufferLen rejects lengths above MaxBufferLen.
func CheckBufferLen(name string, n uint64) Result {
	if n > MaxBufferLen {
		return invalidArgument("%s length %d exceeds %d", name, n, MaxBufferLen)
	}
	return ok()
}
