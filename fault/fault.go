package fault

import "fmt"

type Class int

const (
	// Transient faults are worth retrying: timeouts, 5xx, rate limits,
	// unreachable infrastructure.
	Transient Class = iota + 1
	// Permanent faults will never succeed on retry: rejected content,
	// malformed input, provider 4xx.
	Permanent
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Fault is the tagged result every adapter call returns instead of a bare
// error, so the orchestrator can match on retryability explicitly.
type Fault struct {
	Class Class
	Code  string
	Err   error
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s (%s): %v", f.Code, f.Class, f.Err)
	}
	return fmt.Sprintf("%s (%s)", f.Code, f.Class)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

func Transientf(code, format string, args ...interface{}) *Fault {
	return &Fault{Class: Transient, Code: code, Err: fmt.Errorf(format, args...)}
}

func Permanentf(code, format string, args ...interface{}) *Fault {
	return &Fault{Class: Permanent, Code: code, Err: fmt.Errorf(format, args...)}
}

// FromHTTPStatus classifies a provider HTTP status: 408/429/5xx are
// transient, other non-2xx are permanent.
func FromHTTPStatus(status int, code string, err error) *Fault {
	if status == 408 || status == 429 || status >= 500 {
		return &Fault{Class: Transient, Code: code, Err: err}
	}
	return &Fault{Class: Permanent, Code: code, Err: err}
}

func IsTransient(f *Fault) bool {
	return f != nil && f.Class == Transient
}
