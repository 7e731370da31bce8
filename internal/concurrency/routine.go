package concurrency

import (
	"log/slog"
	"runtime/debug"
)

// SafeGo runs a function in a goroutine with panic recovery.
func SafeGo(fn func(), onPanic func(interface{})) {
	go SafeCall(fn, onPanic)
}

// SafeCall runs fn on the calling goroutine and recovers a panic instead of
// letting it unwind further. It reports whether fn returned normally.
func SafeCall(fn func(), onPanic func(interface{})) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			slog.Error("Panic recovered", "panic", r, "stack", string(stack))
			if onPanic != nil {
				onPanic(r)
			}
			ok = false
		}
	}()
	fn()
	return true
}
