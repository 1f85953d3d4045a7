package codec

import (
	"bytes"
	"fmt"
	"reflect"
	"time"

	"github.com/relvacode/iso8601"
)

var nullLiteral = []byte("null")

var (
	anyType     = reflect.TypeOf((*any)(nil)).Elem()
	timeType    = reflect.TypeOf(time.Time{})
	timePtrType = reflect.TypeOf((*time.Time)(nil))
)

// deferred holds the bytes of a member whose type was unknown when it was read.
type deferred struct {
	span []byte
}

func captureForLater(span []byte) *deferred {
	return &deferred{span: span}
}

// bindNow converts one JSON value to t. A nil t binds to the generic JSON shape.
// null binds only to types that can hold nil.
func bindNow(span []byte, t reflect.Type) (any, error) {
	if t == nil {
		t = anyType
	}
	if isNull(span) {
		if !nillable(t) {
			return nil, newBindingError(t, span, fmt.Errorf("null is not a valid %s", t))
		}
		return reflect.Zero(t).Interface(), nil
	}
	if t == timeType || t == timePtrType {
		return bindTimestamp(span, t)
	}

	ptr := reflect.New(t)
	if err := jsonAPI.Unmarshal(span, ptr.Interface()); err != nil {
		return nil, newBindingError(t, span, err)
	}
	return ptr.Elem().Interface(), nil
}

// bindNullable is bindNow for results and stream items, where null always means
// "no value" whatever the declared type.
func bindNullable(span []byte, t reflect.Type) (any, error) {
	if isNull(span) {
		return nil, nil
	}
	return bindNow(span, t)
}

func isNull(span []byte) bool {
	return bytes.Equal(bytes.TrimSpace(span), nullLiteral)
}

func nillable(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return true
	}
	return false
}

// bindTimestamp parses timestamps with an ISO 8601 parser instead of the generic
// scalar path, so offsets and partial precision sent by other runtimes still bind.
func bindTimestamp(span []byte, t reflect.Type) (any, error) {
	var raw string
	if err := jsonAPI.Unmarshal(span, &raw); err != nil {
		return nil, newBindingError(t, span, err)
	}
	ts, err := iso8601.ParseString(raw)
	if err != nil {
		return nil, newBindingError(t, span, err)
	}
	if t == timePtrType {
		return &ts, nil
	}
	return ts, nil
}

// bindArguments binds every element of an arguments array against types. It always
// consumes the whole array. The first returned error is a binding failure, the second
// a structural one.
func bindArguments(sc *scanner, types []reflect.Type) ([]any, *BindingError, error) {
	args := make([]any, 0, len(types))
	var bindErr *BindingError
	count := 0
	err := sc.elements(fieldArguments, func(span []byte) {
		if bindErr == nil && count < len(types) {
			v, err := bindNow(span, types[count])
			if err != nil {
				bindErr = asBindingError(err)
				bindErr.Msg = "error binding arguments, the provided values do not match the parameter types of the hub method"
			} else {
				args = append(args, v)
			}
		}
		count++
	})
	if err != nil {
		return nil, nil, err
	}
	if count != len(types) {
		return nil, argumentCountError(count, len(types)), nil
	}
	if bindErr != nil {
		return nil, bindErr, nil
	}
	return args, nil, nil
}

// TypeTable is a Binder backed by fixed maps. Missing entries are binding failures.
type TypeTable struct {
	Parameters  map[string][]reflect.Type
	Returns     map[string]reflect.Type
	StreamItems map[string]reflect.Type
}

func (t *TypeTable) ParameterTypes(target string) ([]reflect.Type, error) {
	types, ok := t.Parameters[target]
	if !ok {
		return nil, &BindingError{Target: target, Msg: "unknown target '" + target + "'"}
	}
	return types, nil
}

func (t *TypeTable) ReturnType(invocationID string) (reflect.Type, error) {
	rt, ok := t.Returns[invocationID]
	if !ok {
		return nil, &BindingError{InvocationID: invocationID, Msg: "no pending invocation '" + invocationID + "'"}
	}
	return rt, nil
}

func (t *TypeTable) StreamItemType(id string) (reflect.Type, error) {
	it, ok := t.StreamItems[id]
	if !ok {
		return nil, &BindingError{InvocationID: id, Msg: "no pending stream '" + id + "'"}
	}
	return it, nil
}
