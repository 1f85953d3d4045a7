// Package message defines the hub messages exchanged between client and server.
//
// HubMessage is a closed set of variants. Every variant is produced once by the codec
// (or built once by a caller for encoding) and is not mutated afterwards.
//
//   - Invocation / StreamInvocation: call a hub method by Target with bound Arguments.
//   - StreamItem / Completion: results flowing back for an InvocationID.
//   - CancelInvocation: stop a running stream invocation.
//   - Ping / Close: connection control.
//   - InvocationBindingFailure / StreamBindingFailure: synthetic, produced by the decoder
//     when a payload could not be bound. They keep the InvocationID so the receiver can
//     still answer with an error instead of dropping the connection.
package message

// Type is the wire discriminant carried in the "type" member.
type Type int

const (
	InvocationType       Type = 1
	StreamItemType       Type = 2
	CompletionType       Type = 3
	StreamInvocationType Type = 4
	CancelInvocationType Type = 5
	PingType             Type = 6
	CloseType            Type = 7
)

func (t Type) String() string {
	switch t {
	case InvocationType:
		return "Invocation"
	case StreamItemType:
		return "StreamItem"
	case CompletionType:
		return "Completion"
	case StreamInvocationType:
		return "StreamInvocation"
	case CancelInvocationType:
		return "CancelInvocation"
	case PingType:
		return "Ping"
	case CloseType:
		return "Close"
	}
	return "Unknown"
}

// Headers carries cross-cutting metadata. Nil and empty are equivalent on the wire.
type Headers map[string]string

// HubMessage is implemented only by the variants in this package.
type HubMessage interface {
	MessageType() Type
	hubMessage()
}

// Invocation calls Target. An empty InvocationID means fire-and-forget.
type Invocation struct {
	InvocationID string
	Target       string
	Arguments    []any
	StreamIDs    []string
	Headers      Headers
}

// StreamInvocation calls a streaming Target; results arrive as StreamItems.
type StreamInvocation struct {
	InvocationID string
	Target       string
	Arguments    []any
	StreamIDs    []string
	Headers      Headers
}

// StreamItem is one value produced by a stream. Item may legitimately be nil.
type StreamItem struct {
	InvocationID string
	Item         any
	Headers      Headers
}

// Completion ends an invocation. Error and HasResult are mutually exclusive;
// HasResult with a nil Result means the peer sent an explicit null.
type Completion struct {
	InvocationID string
	Error        string
	Result       any
	HasResult    bool
	Headers      Headers
}

// CancelInvocation asks the peer to stop the stream identified by InvocationID.
type CancelInvocation struct {
	InvocationID string
	Headers      Headers
}

// Ping keeps the connection alive.
type Ping struct{}

// Close announces that the sender is closing the connection.
// HasError distinguishes an explicit empty error string from no error at all.
type Close struct {
	Error    string
	HasError bool
}

// InvocationBindingFailure replaces an Invocation or StreamInvocation whose arguments
// could not be bound to the target's parameter types.
type InvocationBindingFailure struct {
	InvocationID string
	Target       string
	Err          error
}

// StreamBindingFailure replaces a StreamItem whose item could not be bound.
type StreamBindingFailure struct {
	InvocationID string
	Err          error
}

var (
	// PingMessage is the shared Ping value.
	PingMessage = &Ping{}
	// EmptyClose is the Close value used when no error was sent.
	EmptyClose = &Close{}
)

// NewCompletionError builds a Completion reporting err for id.
func NewCompletionError(id, err string) *Completion {
	return &Completion{InvocationID: id, Error: err}
}

// NewCompletionResult builds a Completion carrying result for id.
func NewCompletionResult(id string, result any) *Completion {
	return &Completion{InvocationID: id, Result: result, HasResult: true}
}

// NewCloseError builds a Close carrying err.
func NewCloseError(err string) *Close {
	return &Close{Error: err, HasError: true}
}

// HeadersOf returns the headers of m, or nil for variants that cannot carry them.
func HeadersOf(m HubMessage) Headers {
	switch v := m.(type) {
	case *Invocation:
		return v.Headers
	case *StreamInvocation:
		return v.Headers
	case *StreamItem:
		return v.Headers
	case *Completion:
		return v.Headers
	case *CancelInvocation:
		return v.Headers
	}
	return nil
}

// WithHeaders attaches h to m when the variant carries headers and reports whether it did.
// It is meant for the code constructing m, before m is handed to anyone else.
func WithHeaders(m HubMessage, h Headers) bool {
	switch v := m.(type) {
	case *Invocation:
		v.Headers = h
	case *StreamInvocation:
		v.Headers = h
	case *StreamItem:
		v.Headers = h
	case *Completion:
		v.Headers = h
	case *CancelInvocation:
		v.Headers = h
	default:
		return false
	}
	return true
}

func (*Invocation) MessageType() Type               { return InvocationType }
func (*StreamInvocation) MessageType() Type         { return StreamInvocationType }
func (*StreamItem) MessageType() Type               { return StreamItemType }
func (*Completion) MessageType() Type               { return CompletionType }
func (*CancelInvocation) MessageType() Type         { return CancelInvocationType }
func (*Ping) MessageType() Type                     { return PingType }
func (*Close) MessageType() Type                    { return CloseType }
func (*InvocationBindingFailure) MessageType() Type { return InvocationType }
func (*StreamBindingFailure) MessageType() Type     { return StreamItemType }

func (*Invocation) hubMessage()               {}
func (*StreamInvocation) hubMessage()         {}
func (*StreamItem) hubMessage()               {}
func (*Completion) hubMessage()               {}
func (*CancelInvocation) hubMessage()         {}
func (*Ping) hubMessage()                     {}
func (*Close) hubMessage()                    {}
func (*InvocationBindingFailure) hubMessage() {}
func (*StreamBindingFailure) hubMessage()     {}
