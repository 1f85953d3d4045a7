package codec

import (
	"errors"
	"io"

	jsoniter "github.com/json-iterator/go"
)

// errStopScan ends a member scan early without reporting a failure.
var errStopScan = errors.New("codec: stop scan")

// scanner walks one record's top-level members in wire order. Every callback must
// consume exactly one value, either by reading it or by skipping it, so the iterator
// stays aligned with the object's structure.
type scanner struct {
	iter *jsoniter.Iterator
}

func newScanner(data []byte) *scanner {
	return &scanner{iter: jsonAPI.BorrowIterator(data)}
}

func (s *scanner) release() {
	jsonAPI.ReturnIterator(s.iter)
}

// readErr converts an iterator failure into a StructuralError.
func (s *scanner) readErr() error {
	if s.iter.Error == nil {
		return nil
	}
	return &StructuralError{Msg: "error reading JSON", Err: s.iter.Error}
}

func (s *scanner) kind() jsoniter.ValueType {
	return s.iter.WhatIsNext()
}

// members requires an object and calls fn with each member name. A callback error
// stops the scan and is returned as is; errStopScan stops it silently.
func (s *scanner) members(fn func(name string) error) error {
	if s.kind() != jsoniter.ObjectValue {
		if err := s.readErr(); err != nil {
			return err
		}
		return structuralf("expected a JSON object")
	}

	var cbErr error
	s.iter.ReadObjectCB(func(_ *jsoniter.Iterator, name string) bool {
		if cbErr = fn(name); cbErr != nil {
			return false
		}
		return s.iter.Error == nil
	})
	if cbErr != nil {
		if cbErr == errStopScan {
			return nil
		}
		return cbErr
	}
	if err := s.readErr(); err != nil {
		return err
	}
	return s.end()
}

// end requires that only whitespace follows the value just read.
func (s *scanner) end() error {
	s.iter.WhatIsNext()
	if s.iter.Error != io.EOF {
		return structuralf("unexpected data after the JSON object")
	}
	s.iter.Error = nil
	return nil
}

// readType reads the message discriminant. A null leaves it unset.
func (s *scanner) readType() (int, bool, error) {
	switch s.kind() {
	case jsoniter.NilValue:
		s.iter.ReadNil()
		return 0, false, nil
	case jsoniter.NumberValue:
		n, err := s.iter.ReadNumber().Int64()
		if err != nil {
			return 0, false, &StructuralError{Msg: "expected 'type' to be an integer", Err: err}
		}
		return int(n), true, s.readErr()
	}
	if err := s.readErr(); err != nil {
		return 0, false, err
	}
	return 0, false, unexpectedKind(fieldType, "Integer")
}

// readNullableString reads a string member; null reports ok == false.
func (s *scanner) readNullableString(name string) (string, bool, error) {
	switch s.kind() {
	case jsoniter.NilValue:
		s.iter.ReadNil()
		return "", false, nil
	case jsoniter.StringValue:
		v := s.iter.ReadString()
		return v, true, s.readErr()
	}
	if err := s.readErr(); err != nil {
		return "", false, err
	}
	return "", false, unexpectedKind(name, "String")
}

func (s *scanner) readStringArray(name string) ([]string, error) {
	if s.kind() != jsoniter.ArrayValue {
		if err := s.readErr(); err != nil {
			return nil, err
		}
		return nil, unexpectedKind(name, "Array")
	}
	out := []string{}
	var elemErr error
	s.iter.ReadArrayCB(func(it *jsoniter.Iterator) bool {
		if it.WhatIsNext() != jsoniter.StringValue {
			elemErr = structuralf("expected '%s' elements to be of type String", name)
			return false
		}
		out = append(out, it.ReadString())
		return it.Error == nil
	})
	if elemErr != nil {
		return nil, elemErr
	}
	return out, s.readErr()
}

func (s *scanner) readStringMap(name string) (map[string]string, error) {
	if s.kind() != jsoniter.ObjectValue {
		if err := s.readErr(); err != nil {
			return nil, err
		}
		return nil, unexpectedKind(name, "Object")
	}
	out := make(map[string]string)
	var valErr error
	s.iter.ReadObjectCB(func(it *jsoniter.Iterator, key string) bool {
		if it.WhatIsNext() != jsoniter.StringValue {
			valErr = structuralf("expected header '%s' to be of type String", key)
			return false
		}
		out[key] = it.ReadString()
		return it.Error == nil
	})
	if valErr != nil {
		return nil, valErr
	}
	return out, s.readErr()
}

// capture skips the next value and returns a copy of its bytes for a later pass.
func (s *scanner) capture() ([]byte, error) {
	span := s.iter.SkipAndReturnBytes()
	return span, s.readErr()
}

func (s *scanner) skip() error {
	s.iter.Skip()
	return s.readErr()
}

// elements walks an array, handing each element's bytes to fn. The whole array is
// consumed even when fn has stopped caring about the values.
func (s *scanner) elements(name string, fn func(span []byte)) error {
	if s.kind() != jsoniter.ArrayValue {
		if err := s.readErr(); err != nil {
			return err
		}
		return unexpectedKind(name, "Array")
	}
	s.iter.ReadArrayCB(func(it *jsoniter.Iterator) bool {
		span := it.SkipAndReturnBytes()
		if it.Error != nil {
			return false
		}
		fn(span)
		return true
	})
	return s.readErr()
}
