// File: internal/loader/sandbox.go
package loader

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robertkrimen/otto"
)

// ErrExecutionHalted is returned when a module script exceeds its execution
// budget and is interrupted.
var ErrExecutionHalted = errors.New("module execution halted: time budget exceeded")

// errHalt is the sentinel panicked through otto's interrupt channel.
var errHalt = errors.New("halt")

// Capabilities is the explicit set of host functions a module scope receives.
// Nothing else from the program is reachable from inside the VM.
type Capabilities struct {
	Fetch  func(url string) (string, error)
	Get    func(key string) (string, bool, error)
	Set    func(key, value string) error
	Remove func(key string) error
	Log    func(msg string)
}

// Exports is the opaque API a module registered from its scope. The otto VM
// is not goroutine-safe, so every access serializes on the mutex.
type Exports struct {
	mu   sync.Mutex
	vm   *otto.Otto
	root otto.Value
}

// Execute runs module source in a fresh, isolated VM seeded only with the
// capability object, and captures the scope's `exports` value. A thrown
// exception or an exceeded time budget is a permanent failure; retrying
// cannot fix a code bug.
func Execute(name, source string, caps Capabilities, budget time.Duration) (exports *Exports, err error) {
	vm := otto.New()

	host, err := buildHostObject(vm, caps)
	if err != nil {
		return nil, fmt.Errorf("module %q: failed to build capability object: %w", name, err)
	}
	if err := vm.Set("host", host); err != nil {
		return nil, fmt.Errorf("module %q: failed to inject capability object: %w", name, err)
	}
	if _, err := vm.Run(`var exports = {};`); err != nil {
		return nil, fmt.Errorf("module %q: failed to seed exports: %w", name, err)
	}

	// Interrupt the VM if the script spins past its budget.
	vm.Interrupt = make(chan func(), 1)
	watchdog := time.AfterFunc(budget, func() {
		vm.Interrupt <- func() { panic(errHalt) }
	})
	defer watchdog.Stop()

	defer func() {
		if r := recover(); r != nil {
			if r == errHalt {
				err = fmt.Errorf("module %q: %w", name, ErrExecutionHalted)
				return
			}
			panic(r)
		}
	}()

	if _, err := vm.Run(source); err != nil {
		return nil, fmt.Errorf("module %q: execution failed: %w", name, err)
	}

	root, err := vm.Get("exports")
	if err != nil {
		return nil, fmt.Errorf("module %q: failed to read exports: %w", name, err)
	}
	return &Exports{vm: vm, root: root}, nil
}

// buildHostObject wires the Go capability closures into a single JS object.
func buildHostObject(vm *otto.Otto, caps Capabilities) (*otto.Object, error) {
	host, err := vm.Object(`({})`)
	if err != nil {
		return nil, err
	}

	throw := func(format string, args ...interface{}) otto.Value {
		panic(vm.MakeCustomError("HostError", fmt.Sprintf(format, args...)))
	}

	err = host.Set("log", func(call otto.FunctionCall) otto.Value {
		if caps.Log != nil {
			caps.Log(call.Argument(0).String())
		}
		return otto.UndefinedValue()
	})
	if err != nil {
		return nil, err
	}

	err = host.Set("fetch", func(call otto.FunctionCall) otto.Value {
		if caps.Fetch == nil {
			return throw("fetch capability not granted")
		}
		body, err := caps.Fetch(call.Argument(0).String())
		if err != nil {
			return throw("fetch failed: %v", err)
		}
		val, _ := vm.ToValue(body)
		return val
	})
	if err != nil {
		return nil, err
	}

	err = host.Set("get", func(call otto.FunctionCall) otto.Value {
		if caps.Get == nil {
			return throw("storage capability not granted")
		}
		value, ok, err := caps.Get(call.Argument(0).String())
		if err != nil {
			return throw("get failed: %v", err)
		}
		if !ok {
			return otto.NullValue()
		}
		val, _ := vm.ToValue(value)
		return val
	})
	if err != nil {
		return nil, err
	}

	err = host.Set("set", func(call otto.FunctionCall) otto.Value {
		if caps.Set == nil {
			return throw("storage capability not granted")
		}
		if err := caps.Set(call.Argument(0).String(), call.Argument(1).String()); err != nil {
			return throw("set failed: %v", err)
		}
		return otto.UndefinedValue()
	})
	if err != nil {
		return nil, err
	}

	err = host.Set("remove", func(call otto.FunctionCall) otto.Value {
		if caps.Remove == nil {
			return throw("storage capability not granted")
		}
		if err := caps.Remove(call.Argument(0).String()); err != nil {
			return throw("remove failed: %v", err)
		}
		return otto.UndefinedValue()
	})
	if err != nil {
		return nil, err
	}

	return host, nil
}

// Has reports whether the exported API defines the named field.
func (e *Exports) Has(field string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	obj := e.root.Object()
	if obj == nil {
		return false
	}
	val, err := obj.Get(field)
	return err == nil && val.IsDefined()
}

// String returns the named exported field as a string.
func (e *Exports) String(field string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	obj := e.root.Object()
	if obj == nil {
		return "", false
	}
	val, err := obj.Get(field)
	if err != nil || !val.IsDefined() || val.IsFunction() {
		return "", false
	}
	s, err := val.ToString()
	if err != nil {
		return "", false
	}
	return s, true
}

// Call invokes the named exported function and returns its result as a
// string.
func (e *Exports) Call(fn string, args ...interface{}) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	obj := e.root.Object()
	if obj == nil {
		return "", fmt.Errorf("exports is not an object")
	}
	val, err := obj.Get(fn)
	if err != nil {
		return "", fmt.Errorf("failed to read export %q: %w", fn, err)
	}
	if !val.IsFunction() {
		return "", fmt.Errorf("export %q is not a function", fn)
	}

	result, err := val.Call(otto.NullValue(), args...)
	if err != nil {
		return "", fmt.Errorf("export %q failed: %w", fn, err)
	}
	out, err := result.ToString()
	if err != nil {
		return "", fmt.Errorf("export %q returned an unconvertible value: %w", fn, err)
	}
	return out, nil
}
