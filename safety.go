package perfwatch

import "fmt"

// SafetyWrap runs fn and shields the caller from its failures. A returned
// error or a panic is passed to onError (when set) and reported as the zero
// value with ok=false.
func SafetyWrap[T any](fn func() (T, error), onError func(error)) (result T, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			result, ok = zero, false
			if onError != nil {
				onError(fmt.Errorf("perfwatch: recovered panic: %v", r))
			}
		}
	}()

	v, err := fn()
	if err != nil {
		if onError != nil {
			onError(err)
		}
		var zero T
		return zero, false
	}
	return v, true
}
