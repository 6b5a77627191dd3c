package crawler

import "iter"

// Yield returns a sequence over the given outputs.
func Yield(outputs ...Output) iter.Seq2[Output, error] {
	return func(yield func(Output, error) bool) {
		for _, out := range outputs {
			if !yield(out, nil) {
				return
			}
		}
	}
}

// Fail returns a sequence that yields err after the given outputs.
func Fail(err error, outputs ...Output) iter.Seq2[Output, error] {
	return func(yield func(Output, error) bool) {
		for _, out := range outputs {
			if !yield(out, nil) {
				return
			}
		}
		yield(nil, err)
	}
}

// Seeds returns a sequence over fixed seed WorkItems.
func Seeds(items ...*WorkItem) iter.Seq2[*WorkItem, error] {
	return func(yield func(*WorkItem, error) bool) {
		for _, item := range items {
			if !yield(item, nil) {
				return
			}
		}
	}
}
