package server

import (
	"context"
	"fmt"
	"reflect"
)

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

type resultKind int

const (
	resultVoid   resultKind = iota // no value, maybe an error
	resultValue                    // one value, maybe an error
	resultStream                   // a receive channel, maybe an error
)

// methodType is one hub method callable as an invocation target.
type methodType struct {
	method     reflect.Method
	hub        *hub
	withCtx    bool
	paramTypes []reflect.Type
	kind       resultKind
	returnsErr bool
	itemType   reflect.Type // element type of a streaming method's channel
}

type hub struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

// newHub scans rcvr for exported methods usable as targets.
//
// A target may take a leading context.Context followed by any number of
// JSON-bindable parameters, and returns one of:
//
//	()  error  T  (T, error)  <-chan T  (<-chan T, error)
func newHub(rcvr any) (*hub, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("server: hub must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("server: hub must point to a struct, got %s", typ.Elem().Kind())
	}
	h := &hub{
		name:   typ.Elem().Name(),
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	h.registerMethods()
	if len(h.method) == 0 {
		return nil, fmt.Errorf("server: hub %s has no usable methods", h.name)
	}
	return h, nil
}

func (h *hub) registerMethods() {
	for i := 0; i < h.typ.NumMethod(); i++ {
		m := h.typ.Method(i)
		if mt, ok := inspectMethod(m); ok {
			mt.hub = h
			h.method[m.Name] = mt
		}
	}
}

func inspectMethod(m reflect.Method) (*methodType, bool) {
	mt := &methodType{method: m}
	ft := m.Type

	first := 1 // skip the receiver
	if ft.NumIn() > 1 && ft.In(1) == contextType {
		mt.withCtx = true
		first = 2
	}
	for i := first; i < ft.NumIn(); i++ {
		if ft.In(i) == contextType {
			return nil, false
		}
		mt.paramTypes = append(mt.paramTypes, ft.In(i))
	}
	if mt.paramTypes == nil {
		mt.paramTypes = []reflect.Type{}
	}

	switch ft.NumOut() {
	case 0:
		mt.kind = resultVoid
	case 1:
		out := ft.Out(0)
		if out == errorType {
			mt.kind, mt.returnsErr = resultVoid, true
		} else {
			mt.setValue(out)
		}
	case 2:
		if ft.Out(1) != errorType || ft.Out(0) == errorType {
			return nil, false
		}
		mt.returnsErr = true
		mt.setValue(ft.Out(0))
	default:
		return nil, false
	}
	return mt, true
}

func (mt *methodType) setValue(out reflect.Type) {
	if out.Kind() == reflect.Chan && out.ChanDir()&reflect.RecvDir != 0 {
		mt.kind = resultStream
		mt.itemType = out.Elem()
		return
	}
	mt.kind = resultValue
}

// call invokes the method. args must already hold values of paramTypes; a nil
// argument becomes the parameter's zero value.
func (mt *methodType) call(ctx context.Context, args []any) (result reflect.Value, err error) {
	in := make([]reflect.Value, 0, len(args)+2)
	in = append(in, mt.hub.rcvr)
	if mt.withCtx {
		in = append(in, reflect.ValueOf(ctx))
	}
	for i, arg := range args {
		if arg == nil {
			in = append(in, reflect.Zero(mt.paramTypes[i]))
			continue
		}
		in = append(in, reflect.ValueOf(arg))
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hub method %s panicked: %v", mt.method.Name, r)
		}
	}()
	out := mt.method.Func.Call(in)

	if mt.returnsErr {
		if e := out[len(out)-1]; !e.IsNil() {
			return reflect.Value{}, e.Interface().(error)
		}
	}
	if mt.kind == resultVoid {
		return reflect.Value{}, nil
	}
	return out[0], nil
}
