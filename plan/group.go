package plan

import "io"

// Group reads items from next until it returns io.EOF and calls emit with
// each run of consecutive items in which together(prev, cur) holds for
// every adjacent pair. A run of one is emitted on its own.
func Group[T any](next func() (T, error), together func(prev, cur T) bool, emit func(run []T) error) error {
	var run []T
	for {
		cur, err := next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if len(run) > 0 && !together(run[len(run)-1], cur) {
			if err := emit(run); err != nil {
				return err
			}
			run = nil
		}
		run = append(run, cur)
	}
	if len(run) > 0 {
		return emit(run)
	}
	return nil
}
