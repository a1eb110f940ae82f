package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/jdziat/durable-research/pkg/core"
)

var (
	contextType = reflect.TypeFor[context.Context]()
	errorType   = reflect.TypeFor[error]()
)

// Handler is a registered function together with its per-run settings.
type Handler struct {
	fn   reflect.Value
	args reflect.Type // nil for func(ctx) error

	// Timeout bounds a single execution. Zero means no bound.
	Timeout time.Duration
}

// New wraps fn, which must be func(context.Context) error or
// func(context.Context, T) error.
func New(fn any) (*Handler, error) {
	if fn == nil {
		return nil, errors.New("handler is nil")
	}
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		return nil, fmt.Errorf("handler must be a function, got %s", v.Kind())
	}
	if v.IsNil() {
		return nil, errors.New("handler function is nil")
	}

	t := v.Type()
	if t.NumIn() < 1 || t.NumIn() > 2 || t.In(0) != contextType {
		return nil, fmt.Errorf("handler must take (context.Context) or (context.Context, args), got %s", t)
	}
	if t.NumOut() != 1 || t.Out(0) != errorType {
		return nil, fmt.Errorf("handler must return error, got %s", t)
	}

	h := &Handler{fn: v}
	if t.NumIn() == 2 {
		h.args = t.In(1)
	}
	return h, nil
}

// Args reports the argument type, or nil when the handler takes none.
func (h *Handler) Args() reflect.Type {
	return h.args
}

// Execute decodes raw into the argument type and calls the function. A
// payload that does not decode is returned as a NoRetryError, since no
// later attempt would decode it either.
func (h *Handler) Execute(ctx context.Context, raw []byte) error {
	if !h.fn.IsValid() {
		return errors.New("handler not initialised")
	}

	in := []reflect.Value{reflect.ValueOf(ctx)}
	if h.args != nil {
		arg := reflect.New(h.args)
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, arg.Interface()); err != nil {
				return core.NoRetry(fmt.Errorf("decode %s: %w", h.args, err))
			}
		}
		in = append(in, arg.Elem())
	}

	out := h.fn.Call(in)
	if err, _ := out[0].Interface().(error); err != nil {
		return err
	}
	return nil
}
