// Package result provides the tagged success-or-failure value returned by
// every mediator entrypoint, together with the failure taxonomy shared by
// the whole runtime.
//
// A Result[T] is either OK and carries a value of type T, or failed and
// carries an error. Failures are classified by Kind so pipeline behaviors
// (retry, throttling, dead-lettering) can decide how to react without
// string matching. Handlers return Results; panics never cross the
// dispatch boundary.
package result

// Result is a tagged union of a value of type T and an error. The zero
// Result is OK with T's zero value.
type Result[T any] struct {
	value T
	err   error
}

// Void is the response type of requests and events that produce no value.
type Void struct{}

// OK returns a successful result carrying v.
func OK[T any](v T) Result[T] {
	return Result[T]{value: v}
}

// Done is the successful Void result.
func Done() Result[Void] {
	return Result[Void]{}
}

// Fail returns a failed result. A nil err is normalized to a KindFatal
// error so a failed result never reports success.
func Fail[T any](err error) Result[T] {
	if err == nil {
		err = New(KindFatal, "Fail called with nil error")
	}
	return Result[T]{err: err}
}

// Failf returns a failed result with a kinded, formatted error.
func Failf[T any](kind Kind, format string, args ...any) Result[T] {
	return Result[T]{err: Newf(kind, format, args...)}
}

// IsOK reports whether the result carries a value.
func (r Result[T]) IsOK() bool { return r.err == nil }

// Failed reports whether the result carries an error.
func (r Result[T]) Failed() bool { return r.err != nil }

// Value returns the carried value. It is T's zero value when the result
// failed.
func (r Result[T]) Value() T { return r.value }

// Err returns the carried error, nil when the result is OK.
func (r Result[T]) Err() error { return r.err }

// Kind returns the failure classification, or KindUnknown for OK results.
func (r Result[T]) Kind() Kind {
	if r.err == nil {
		return KindUnknown
	}
	return KindOf(r.err)
}

// Get unpacks the result into Go's conventional (value, error) pair.
func (r Result[T]) Get() (T, error) { return r.value, r.err }

// Map transforms the value of an OK result, passing failures through.
func Map[T, U any](r Result[T], fn func(T) U) Result[U] {
	if r.err != nil {
		return Result[U]{err: r.err}
	}
	return Result[U]{value: fn(r.value)}
}

// Lift converts a (value, error) pair into a Result.
func Lift[T any](v T, err error) Result[T] {
	if err != nil {
		return Fail[T](err)
	}
	return OK(v)
}
