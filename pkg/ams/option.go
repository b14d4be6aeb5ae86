package ams

// Option holds a value that may be absent. Batch operations return one Option
// per input so a failed or skipped file is explicit at the call site.
type Option[T any] struct {
	value T
	ok    bool
}

// Some wraps a present value.
func Some[T any](v T) Option[T] {
	return Option[T]{value: v, ok: true}
}

// None returns an absent value.
func None[T any]() Option[T] {
	return Option[T]{}
}

// Get returns the value and whether it is present.
func (o Option[T]) Get() (T, bool) {
	return o.value, o.ok
}

func (o Option[T]) IsSome() bool { return o.ok }

// Present collects the values of all present options, preserving order.
func Present[T any](opts []Option[T]) []T {
	out := make([]T, 0, len(opts))
	for _, o := range opts {
		if v, ok := o.Get(); ok {
			out = append(out, v)
		}
	}
	return out
}
