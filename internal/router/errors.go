package router

import (
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
)

// Router errors
var (
	ErrRouteNotFound   = errors.New("route not found")
	ErrHandlerNotFound = errors.New("handler not found")
)

// HandlerError wraps a failure raised while executing a route handler or
// middleware, either a returned error or a recovered panic.
type HandlerError struct {
	Route    string
	Err      error
	Panic    bool
	Location string
	Stack    []byte
}

func (e *HandlerError) Error() string {
	if e.Panic {
		return fmt.Sprintf("panic in handler for %s: %v", e.Route, e.Err)
	}
	return fmt.Sprintf("handler for %s: %v", e.Route, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

func newHandlerError(route string, err error) *HandlerError {
	var herr *HandlerError
	if errors.As(err, &herr) {
		return herr
	}
	return &HandlerError{
		Route:    route,
		Err:      err,
		Location: callerLocation(3),
		Stack:    debug.Stack(),
	}
}

func newPanicError(route string, rec any) *HandlerError {
	err, ok := rec.(error)
	if !ok {
		err = fmt.Errorf("%v", rec)
	}
	return &HandlerError{
		Route:    route,
		Err:      err,
		Panic:    true,
		Location: callerLocation(4),
		Stack:    debug.Stack(),
	}
}

func callerLocation(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	return fmt.Sprintf("%s:%d", file, line)
}
