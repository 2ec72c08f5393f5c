package render

import (
	"errors"
	"fmt"
)

// Kind classifies a render error. Kinds are tags carried across component
// boundaries so the pipeline, the worker, and the HTTP layer can agree on
// recovery behaviour without inspecting error strings.
type Kind string

const (
	// KindInvalidInput marks bad request data: malformed segment times,
	// unknown quality names, missing source files. Fails a job before work.
	KindInvalidInput Kind = "invalid_input"

	// KindToolchainFailure marks a nonzero exit from the encoder or probe
	// binary. The stderr tail is attached as detail.
	KindToolchainFailure Kind = "toolchain_failure"

	// KindTimeout marks a subprocess exceeding its wall-clock budget.
	KindTimeout Kind = "timeout"

	// KindMissingInput marks an absent optional input (font, subtitle file,
	// BGM track). Recovered with a warning; the render continues.
	KindMissingInput Kind = "missing_input"

	// KindStreamCopyConcatFailed marks the fast concat path producing output
	// that fails the PTS check. Recovered by retrying with a re-encode.
	KindStreamCopyConcatFailed Kind = "stream_copy_concat_failed"

	// KindWatermarkRequired marks a failed watermark pass on a tier that
	// mandates one. The unwatermarked output is deleted; the job fails.
	KindWatermarkRequired Kind = "watermark_required"

	// KindBusy marks project lock contention. Retried for the lock window,
	// then surfaced.
	KindBusy Kind = "busy"

	// KindCancelled marks a job terminated on user request.
	KindCancelled Kind = "cancelled"

	// KindUnknown is the zero classification for errors that did not pass
	// through this package.
	KindUnknown Kind = ""
)

// Error is the error type shared by the rendering components. Op names the
// failing operation, Detail carries operator-facing context such as a stderr
// tail, and Err is the wrapped cause (may be nil).
type Error struct {
	Kind   Kind
	Op     string
	Msg    string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	var b []byte
	if e.Op != "" {
		b = append(b, e.Op...)
		b = append(b, ": "...)
	}
	if e.Msg != "" {
		b = append(b, e.Msg...)
		if e.Err != nil {
			b = append(b, ": "...)
		}
	}
	if e.Err != nil {
		b = append(b, e.Err.Error()...)
	}
	if len(b) == 0 {
		b = append(b, string(e.Kind)...)
	}
	return string(b)
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with a kind and operation name.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a kinded error from a format string.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// WithDetail returns a copy of e carrying extra operator-facing context.
func (e *Error) WithDetail(detail string) *Error {
	cp := *e
	cp.Detail = detail
	return &cp
}

// KindOf walks the wrap chain and returns the first Kind it finds, or
// KindUnknown when none of the chain came from this package.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindUnknown
}

// IsKind reports whether any error in the chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// DetailOf returns the first attached detail in the wrap chain, if any.
func DetailOf(err error) string {
	var re *Error
	if errors.As(err, &re) {
		return re.Detail
	}
	return ""
}

// Fatal reports whether an error kind aborts the render. MissingInput,
// StreamCopyConcatFailed and Busy have in-band recovery paths; everything
// else stops the job.
func Fatal(kind Kind) bool {
	switch kind {
	case KindMissingInput, KindStreamCopyConcatFailed, KindBusy:
		return false
	}
	return true
}
