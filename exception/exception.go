package exception

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/mezonai/posnode/logx"
	"github.com/mezonai/posnode/monitoring"
)

func recoverPanic(name string, exit bool) {
	if r := recover(); r != nil {
		monitoring.IncreasePanicCount()
		logx.Error("PANIC", fmt.Sprintf("recovered in %s: %v\n%s", name, r, debug.Stack()))
		if exit {
			os.Exit(1)
		}
	}
}

// SafeGo runs fn in a goroutine; a panic is logged and counted instead of crashing the node.
func SafeGo(name string, fn func()) {
	go func() {
		defer recoverPanic(name, false)
		fn()
	}()
}

func SafeGoWithPanic(name string, fn func()) {
	go func() {
		defer recoverPanic(name, true)
		fn()
	}()
}

// SafeCall runs fn on the caller's goroutine and reports whether it returned without panicking.
func SafeCall(name string, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			monitoring.IncreasePanicCount()
			logx.Error("PANIC", fmt.Sprintf("recovered in %s: %v\n%s", name, r, debug.Stack()))
			ok = false
		}
	}()
	fn()
	return true
}

// SafeLoop runs fn every interval until ctx is done. The first run happens after initialDelay.
// A panic inside one iteration is recovered and the loop keeps going.
func SafeLoop(ctx context.Context, name string, initialDelay, interval time.Duration, fn func(context.Context)) {
	SafeGo(name, func() {
		timer := time.NewTimer(initialDelay)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
			SafeCall(name, func() { fn(ctx) })
			timer.Reset(interval)
		}
	})
}
