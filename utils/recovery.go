package utils

import (
	"fmt"
	"runtime/debug"
)

// PanicError is reported to error handlers when the goroutine panicked
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// recoverInto recovers a panic, logs it, and hands it to onError when set
func recoverInto(logger *Logger, name string, onError func(error)) {
	r := recover()
	if r == nil {
		return
	}
	stack := debug.Stack()
	logger.Error("Panic recovered in %s: %v\nStack trace:\n%s", name, r, string(stack))
	if onError != nil {
		onError(&PanicError{Value: r, Stack: stack})
	}
}

// SafeGo runs a goroutine with panic recovery
func SafeGo(logger *Logger, name string, fn func()) {
	go func() {
		defer recoverInto(logger, name, nil)
		fn()
	}()
}

// SafeGoWithError runs a goroutine with panic recovery. A returned error or
// a recovered panic is logged and passed to onError.
func SafeGoWithError(logger *Logger, name string, fn func() error, onError func(error)) {
	go func() {
		defer recoverInto(logger, name, onError)
		if err := fn(); err != nil {
			logger.Error("Error in %s: %v", name, err)
			if onError != nil {
				onError(err)
			}
		}
	}()
}
