// Package interrupt runs registered shutdown handlers in LIFO order on
// SIGINT or on a programmatic shutdown or restart request.
package interrupt

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"

	"github.com/Hubmakerlabs/aggregatr/pkg/qu"
	"github.com/Hubmakerlabs/aggregatr/pkg/slog"
)

var log = slog.GetStd()

type HandlerWithSource struct {
	Source string
	Fn     func()
}

var (
	restartRequested atomic.Bool
	requested        atomic.Bool

	// ch receives SIGINT (Ctrl+C) signals.
	ch chan os.Signal

	signals = []os.Signal{os.Interrupt}

	// ShutdownRequestChan can receive programmatic shutdown requests.
	ShutdownRequestChan = qu.T()

	addHandlerChan = make(chan HandlerWithSource)

	// HandlersDone is closed after all interrupt handlers run the first time
	// an interrupt is signaled.
	HandlersDone = qu.T()

	interruptCallbacks       []func()
	interruptCallbackSources []string
)

// Listener listens for interrupt signals, registers interrupt callbacks, and
// responds to custom shutdown signals as required.
func Listener() {
	invokeCallbacks := func() {
		log.D.Ln("running", len(interruptCallbacks), "interrupt callbacks")
		// run handlers in LIFO order
		for i := range interruptCallbacks {
			idx := len(interruptCallbacks) - 1 - i
			log.D.Ln("running callback", idx, interruptCallbackSources[idx])
			interruptCallbacks[idx]()
		}
		log.D.Ln("interrupt handlers finished")
		HandlersDone.Q()
		if restartRequested.Load() {
			Restart()
		}
	}
out:
	for {
		select {
		case sig := <-ch:
			log.D.Ln("received interrupt signal", sig)
			requested.Store(true)
			invokeCallbacks()
			break out
		case <-ShutdownRequestChan.Wait():
			log.W.Ln("received shutdown request - shutting down...")
			requested.Store(true)
			invokeCallbacks()
			break out
		case handler := <-addHandlerChan:
			interruptCallbacks = append(interruptCallbacks, handler.Fn)
			interruptCallbackSources = append(interruptCallbackSources,
				handler.Source)
		case <-HandlersDone.Wait():
			break out
		}
	}
}

// AddHandler adds a handler to call when a SIGINT (Ctrl+C) is received.
func AddHandler(handler func()) {
	_, loc, line, _ := runtime.Caller(1)
	msg := fmt.Sprintf("%s:%d", loc, line)
	log.D.Ln("handler added by:", msg)
	if ch == nil {
		ch = make(chan os.Signal, 1)
		signal.Notify(ch, signals...)
		go Listener()
	}
	addHandlerChan <- HandlerWithSource{msg, handler}
}

// Request programmatically requests a shutdown.
func Request() {
	_, f, l, _ := runtime.Caller(1)
	log.D.Ln("interrupt requested", f, l, requested.Load())
	if requested.Load() {
		return
	}
	requested.Store(true)
	ShutdownRequestChan.Q()
}

// RequestRestart sets the restart flag and requests a shutdown, after which
// the process re-executes itself.
func RequestRestart() {
	restartRequested.Store(true)
	log.D.Ln("requesting restart")
	Request()
}

// Requested returns true if an interrupt has been requested.
func Requested() bool {
	return requested.Load()
}

// GoroutineDump returns a string with the current goroutine dump in order to
// show what's going on in case of timeout.
func GoroutineDump() string {
	buf := make([]byte, 1<<18)
	n := runtime.Stack(buf, true)
	return string(buf[:n])
}
