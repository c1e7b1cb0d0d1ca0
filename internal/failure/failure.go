// Package failure classifies errors into transient, permanent and fatal
// failures. Callers wrap errors at the point where the class is known and
// consumers decide retry behaviour with Classify.
package failure

import "errors"

type Class int

const (
	// ClassTransient failures are retried: timeouts, rate limits, 5xx.
	ClassTransient Class = iota
	// ClassPermanent failures are surfaced immediately and never retried.
	ClassPermanent
	// ClassFatal marks invalid configuration; no attempt may be made until it is fixed.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

type classified struct {
	class Class
	err   error
}

func (e *classified) Error() string { return e.err.Error() }
func (e *classified) Unwrap() error { return e.err }

func wrap(class Class, err error) error {
	if err == nil {
		return nil
	}
	return &classified{class: class, err: err}
}

func Transient(err error) error { return wrap(ClassTransient, err) }
func Permanent(err error) error { return wrap(ClassPermanent, err) }
func Fatal(err error) error     { return wrap(ClassFatal, err) }

// Classify returns the outermost class in the chain. Unclassified errors are
// treated as transient: a stale snapshot is always safe to fetch again.
func Classify(err error) Class {
	var c *classified
	if errors.As(err, &c) {
		return c.class
	}
	return ClassTransient
}

func IsRetryable(err error) bool {
	return err != nil && Classify(err) == ClassTransient
}
