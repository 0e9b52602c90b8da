// Package safe runs goroutines whose panics are logged instead of killing
// the process.
package safe

import (
	"ShiftChat/logger"

	"go.uber.org/zap"
)

// SafeGo runs f on its own goroutine; name tags the panic log.
func SafeGo(name string, f func()) {
	go func() {
		defer Recover(name)
		f()
	}()
}

// Recover must be deferred directly.
func Recover(name string) {
	r := recover()
	if r == nil {
		return
	}
	logger.Named("safe").Error("panic recovered",
		zap.String("goroutine", name),
		zap.Any("panic", r),
		zap.Stack("stack"))
}
