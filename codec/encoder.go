package codec

import (
	"fmt"
	"io"
	"maps"
	"slices"

	jsoniter "github.com/json-iterator/go"

	"hub-rpc/message"
	"hub-rpc/protocol"
)

// WriteMessage writes m as one record, separator included, in a single Write.
func (p *JSONHubProtocol) WriteMessage(w io.Writer, m message.HubMessage) error {
	b, err := p.GetMessageBytes(m)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// GetMessageBytes encodes m as one record, separator included.
//
// Members are written in a fixed order: type, headers, invocationId, target,
// arguments, streamIds, item, error or result. Absent members are omitted rather
// than written as null; payload values are written with their runtime types.
func (p *JSONHubProtocol) GetMessageBytes(m message.HubMessage) ([]byte, error) {
	stream := jsonAPI.BorrowStream(nil)
	defer jsonAPI.ReturnStream(stream)

	if err := writeMessage(stream, m); err != nil {
		return nil, err
	}
	if stream.Error != nil {
		return nil, fmt.Errorf("codec: encode %s: %w", m.MessageType(), stream.Error)
	}
	body := stream.Buffer()
	return protocol.AppendRecord(make([]byte, 0, len(body)+1), body), nil
}

func writeMessage(s *jsoniter.Stream, m message.HubMessage) error {
	s.WriteObjectStart()
	switch v := m.(type) {
	case *message.Invocation:
		writeType(s, message.InvocationType)
		writeHeaders(s, v.Headers)
		writeInvocationID(s, v.InvocationID)
		writeField(s, fieldTarget)
		s.WriteString(v.Target)
		writeArguments(s, v.Arguments)
		writeStreamIDs(s, v.StreamIDs)
	case *message.StreamInvocation:
		writeType(s, message.StreamInvocationType)
		writeHeaders(s, v.Headers)
		writeInvocationID(s, v.InvocationID)
		writeField(s, fieldTarget)
		s.WriteString(v.Target)
		writeArguments(s, v.Arguments)
		writeStreamIDs(s, v.StreamIDs)
	case *message.StreamItem:
		writeType(s, message.StreamItemType)
		writeHeaders(s, v.Headers)
		writeInvocationID(s, v.InvocationID)
		writeField(s, fieldItem)
		s.WriteVal(v.Item)
	case *message.Completion:
		writeType(s, message.CompletionType)
		writeHeaders(s, v.Headers)
		writeInvocationID(s, v.InvocationID)
		if v.Error != "" {
			writeField(s, fieldError)
			s.WriteString(v.Error)
		} else if v.HasResult {
			writeField(s, fieldResult)
			s.WriteVal(v.Result)
		}
	case *message.CancelInvocation:
		writeType(s, message.CancelInvocationType)
		writeHeaders(s, v.Headers)
		writeInvocationID(s, v.InvocationID)
	case *message.Ping:
		writeType(s, message.PingType)
	case *message.Close:
		writeType(s, message.CloseType)
		if v.HasError {
			writeField(s, fieldError)
			s.WriteString(v.Error)
		}
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedMessage, m)
	}
	s.WriteObjectEnd()
	return nil
}

// writeType opens the object; every later member is preceded by a comma.
func writeType(s *jsoniter.Stream, t message.Type) {
	s.WriteObjectField(fieldType)
	s.WriteInt(int(t))
}

func writeField(s *jsoniter.Stream, name string) {
	s.WriteMore()
	s.WriteObjectField(name)
}

func writeHeaders(s *jsoniter.Stream, h message.Headers) {
	if len(h) == 0 {
		return
	}
	writeField(s, fieldHeaders)
	s.WriteObjectStart()
	for i, k := range slices.Sorted(maps.Keys(h)) {
		if i > 0 {
			s.WriteMore()
		}
		s.WriteObjectField(k)
		s.WriteString(h[k])
	}
	s.WriteObjectEnd()
}

func writeInvocationID(s *jsoniter.Stream, id string) {
	if id == "" {
		return
	}
	writeField(s, fieldInvocationID)
	s.WriteString(id)
}

func writeArguments(s *jsoniter.Stream, args []any) {
	writeField(s, fieldArguments)
	s.WriteArrayStart()
	for i, arg := range args {
		if i > 0 {
			s.WriteMore()
		}
		s.WriteVal(arg)
	}
	s.WriteArrayEnd()
}

func writeStreamIDs(s *jsoniter.Stream, ids []string) {
	if ids == nil {
		return
	}
	writeField(s, fieldStreamIDs)
	s.WriteArrayStart()
	for i, id := range ids {
		if i > 0 {
			s.WriteMore()
		}
		s.WriteString(id)
	}
	s.WriteArrayEnd()
}
