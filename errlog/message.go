package errlog

import "fmt"

// safeMessage guards against Error methods that panic, e.g. on a nil
// receiver.
func safeMessage(err error) (msg string) {
	defer func() {
		if r := recover(); r != nil {
			msg = fmt.Sprintf("%T (Error() panicked: %v)", err, r)
		}
	}()
	return err.Error()
}

type panicError struct {
	value interface{}
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}
