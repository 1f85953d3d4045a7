// Package codec implements the JSON hub protocol: decoding 0x1e-terminated JSON
// records into message.HubMessage values and encoding them back.
//
// Decoding needs type information the record itself does not carry. A Binder,
// owned by the connection's dispatch layer, tells the codec which Go types the
// arguments of a target and the results of a pending invocation bind to.
package codec

import (
	"fmt"
	"io"
	"reflect"

	"hub-rpc/message"
)

// ProtocolJSON is the name peers use for the text protocol implemented here.
const ProtocolJSON = "json"

// Binder maps targets and invocation ids to the Go types their payloads bind to.
// Lookups are synchronous and must stay consistent for the duration of one decode.
// A failed lookup becomes a binding failure, never a structural error. A nil type
// binds the payload to its generic JSON shape.
type Binder interface {
	ParameterTypes(target string) ([]reflect.Type, error)
	ReturnType(invocationID string) (reflect.Type, error)
	StreamItemType(streamID string) (reflect.Type, error)
}

// HubProtocol reads and writes hub messages for one wire format.
type HubProtocol interface {
	Name() string
	Version() int
	IsVersionSupported(version int) bool
	ParseMessage(record []byte, binder Binder) (message.HubMessage, error)
	TryParseMessage(buf []byte, binder Binder) (msg message.HubMessage, rest []byte, ok bool, err error)
	WriteMessage(w io.Writer, m message.HubMessage) error
	GetMessageBytes(m message.HubMessage) ([]byte, error)
}

// GetProtocol returns the protocol registered under name.
func GetProtocol(name string, opts ...Option) (HubProtocol, error) {
	switch name {
	case ProtocolJSON, "":
		return NewJSONHubProtocol(opts...), nil
	}
	return nil, fmt.Errorf("codec: unsupported hub protocol %q", name)
}
