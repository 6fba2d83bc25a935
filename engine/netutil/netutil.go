package netutil

import (
	"io"
	"net"
	"os"
	"reflect"

	"github.com/pkg/errors"
	"github.com/xiaonanln/godor/engine/consts"
	"github.com/xiaonanln/godor/engine/gwlog"
)

// IsConnectionError check if the error is a connection error (close)
func IsConnectionError(_err interface{}) bool {
	err, ok := _err.(error)
	if !ok {
		return false
	}

	err = errors.Cause(err)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return true
	}

	neterr, ok := err.(net.Error)
	if !ok {
		return false
	}
	if neterr.Timeout() {
		return false
	}

	return true
}

// IsTimeoutError checks if the error is a network timeout
func IsTimeoutError(err error) bool {
	if err == nil {
		return false
	}

	err = errors.Cause(err)
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// ServeForever runs the function with arguments forever
//
// ServeForever will restart the function call if function panics,
func ServeForever(f interface{}, args ...interface{}) {
	fval := reflect.ValueOf(f)
	argVals := make([]reflect.Value, len(args))
	for i := range args {
		argVals[i] = reflect.ValueOf(args[i])
	}

	for {
		if runServe(fval, argVals) {
			return
		}
		if consts.DEBUG_MODE { // we just quit in debug mode
			os.Exit(2)
		}
	}
}

func runServe(f reflect.Value, args []reflect.Value) (returned bool) {
	defer func() {
		err := recover()
		if err != nil {
			gwlog.TraceError("ServeForever: func %v quited with error %v", f, err)
		}
	}()

	rets := f.Call(args)
	gwlog.Debugf("ServeForever: func %v returns %v", f, rets)
	return true
}
