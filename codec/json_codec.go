package codec

import (
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"hub-rpc/message"
	"hub-rpc/protocol"
)

// Member names of the JSON hub protocol.
const (
	fieldType         = "type"
	fieldInvocationID = "invocationId"
	fieldTarget       = "target"
	fieldArguments    = "arguments"
	fieldStreamIDs    = "streamIds"
	fieldHeaders      = "headers"
	fieldItem         = "item"
	fieldResult       = "result"
	fieldError        = "error"
)

const jsonProtocolVersion = 1

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// JSONHubProtocol reads and writes hub messages as 0x1e-terminated JSON records.
//
// Members of a record may arrive in any order. Payloads whose type depends on a
// sibling member ("arguments" needs "target", "item" and "result" need
// "invocationId") are bound immediately when the sibling was already seen, and
// otherwise captured as raw bytes and bound once the whole object has been read.
//
// A JSONHubProtocol holds no per-call state and is safe for concurrent use.
type JSONHubProtocol struct {
	logger *zap.Logger
}

type Option func(*JSONHubProtocol)

// WithLogger sets the logger used for ignored records and binding failures.
func WithLogger(l *zap.Logger) Option {
	return func(p *JSONHubProtocol) {
		if l != nil {
			p.logger = l
		}
	}
}

func NewJSONHubProtocol(opts ...Option) *JSONHubProtocol {
	p := &JSONHubProtocol{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *JSONHubProtocol) Name() string { return ProtocolJSON }

func (p *JSONHubProtocol) Version() int { return jsonProtocolVersion }

func (p *JSONHubProtocol) IsVersionSupported(version int) bool {
	return version == jsonProtocolVersion
}

// TryParseMessage extracts the first record from buf and decodes it.
// ok is false when buf holds no complete record; rest is then buf unchanged.
// A nil message with ok true and a nil error is a record of an unknown kind.
func (p *JSONHubProtocol) TryParseMessage(buf []byte, binder Binder) (msg message.HubMessage, rest []byte, ok bool, err error) {
	record, rest, ok := protocol.TryExtractRecord(buf, protocol.RecordSeparator)
	if !ok {
		return nil, buf, false, nil
	}
	msg, err = p.ParseMessage(record, binder)
	return msg, rest, true, err
}

// ParseMessage decodes one record (without its separator).
//
// It returns a *StructuralError when the record is not a valid hub message, and
// nil, nil for message kinds this peer does not know. Argument and item binding
// failures are returned as InvocationBindingFailure / StreamBindingFailure
// messages. A Completion result that cannot be bound is returned as a
// *BindingError carrying the InvocationID.
func (p *JSONHubProtocol) ParseMessage(record []byte, binder Binder) (message.HubMessage, error) {
	sc := newScanner(record)
	defer sc.release()

	d := decodeState{binder: binder}
	if err := sc.members(func(name string) error { return d.member(sc, name) }); err != nil {
		return nil, err
	}
	if d.failure != nil {
		p.logger.Debug("stream item binding failed",
			zap.String("invocationId", d.failure.InvocationID), zap.Error(d.failure.Err))
		return d.failure, nil
	}

	msg, err := d.build()
	if err != nil {
		return nil, err
	}
	switch m := msg.(type) {
	case nil:
		p.logger.Debug("ignoring unknown message type", zap.Int("type", d.typ))
	case *message.InvocationBindingFailure:
		p.logger.Debug("invocation binding failed",
			zap.String("invocationId", m.InvocationID), zap.String("target", m.Target), zap.Error(m.Err))
	case *message.StreamBindingFailure:
		p.logger.Debug("stream item binding failed",
			zap.String("invocationId", m.InvocationID), zap.Error(m.Err))
	}
	return msg, nil
}

// decodeState accumulates the members of one record.
type decodeState struct {
	binder Binder

	typ     int
	hasType bool

	invocationID string
	target       string
	errorText    string
	hasError     bool
	headers      message.Headers
	streamIDs    []string

	arguments    []any
	hasArguments bool
	argsLater    *deferred
	argsErr      *BindingError

	item      any
	hasItem   bool
	itemLater *deferred

	result      any
	hasResult   bool
	resultLater *deferred
	resultErr   *BindingError

	// failure short-circuits the record: item binding failures are fatal to it.
	failure *message.StreamBindingFailure
}

func (d *decodeState) member(sc *scanner, name string) error {
	var err error
	switch name {
	case fieldType:
		d.typ, d.hasType, err = sc.readType()
	case fieldInvocationID:
		d.invocationID, _, err = sc.readNullableString(fieldInvocationID)
	case fieldTarget:
		d.target, _, err = sc.readNullableString(fieldTarget)
	case fieldError:
		d.errorText, d.hasError, err = sc.readNullableString(fieldError)
	case fieldHeaders:
		d.headers, err = sc.readStringMap(fieldHeaders)
	case fieldStreamIDs:
		d.streamIDs, err = sc.readStringArray(fieldStreamIDs)
	case fieldArguments:
		err = d.readArguments(sc)
	case fieldItem:
		err = d.readItem(sc)
	case fieldResult:
		err = d.readResult(sc)
	default:
		err = sc.skip()
	}
	return err
}

func (d *decodeState) readArguments(sc *scanner) error {
	if sc.kind() != jsoniter.ArrayValue {
		if err := sc.readErr(); err != nil {
			return err
		}
		return unexpectedKind(fieldArguments, "Array")
	}
	d.hasArguments = true

	if d.target == "" {
		span, err := sc.capture()
		if err != nil {
			return err
		}
		d.argsLater = captureForLater(span)
		return nil
	}

	types, err := d.binder.ParameterTypes(d.target)
	if err != nil {
		d.argsErr = asBindingError(err)
		return sc.skip()
	}
	// Keep scanning after a binding failure: invocationId may still follow.
	args, bindErr, err := bindArguments(sc, types)
	if err != nil {
		return err
	}
	d.arguments, d.argsErr = args, bindErr
	return nil
}

func (d *decodeState) readItem(sc *scanner) error {
	d.hasItem = true
	span, err := sc.capture()
	if err != nil {
		return err
	}
	if d.invocationID == "" {
		d.itemLater = captureForLater(span)
		return nil
	}
	item, bindErr := d.bindItem(span)
	if bindErr != nil {
		d.failure = &message.StreamBindingFailure{InvocationID: d.invocationID, Err: bindErr}
		return errStopScan
	}
	d.item = item
	return nil
}

func (d *decodeState) readResult(sc *scanner) error {
	d.hasResult = true
	span, err := sc.capture()
	if err != nil {
		return err
	}
	if d.invocationID == "" {
		d.resultLater = captureForLater(span)
		return nil
	}
	d.result, d.resultErr = d.bindResult(span)
	return nil
}

func (d *decodeState) bindItem(span []byte) (any, *BindingError) {
	t, err := d.binder.StreamItemType(d.invocationID)
	if err != nil {
		be := asBindingError(err)
		be.InvocationID = d.invocationID
		return nil, be
	}
	v, err := bindNullable(span, t)
	if err != nil {
		be := asBindingError(err)
		be.InvocationID = d.invocationID
		return nil, be
	}
	return v, nil
}

func (d *decodeState) bindResult(span []byte) (any, *BindingError) {
	t, err := d.binder.ReturnType(d.invocationID)
	if err != nil {
		be := asBindingError(err)
		be.InvocationID = d.invocationID
		return nil, be
	}
	v, err := bindNullable(span, t)
	if err != nil {
		be := asBindingError(err)
		be.InvocationID = d.invocationID
		return nil, be
	}
	return v, nil
}

// bindDeferredArguments runs the second pass over arguments that preceded "target".
func (d *decodeState) bindDeferredArguments() error {
	if d.argsLater == nil || d.target == "" {
		return nil
	}
	types, err := d.binder.ParameterTypes(d.target)
	if err != nil {
		d.argsErr = asBindingError(err)
		return nil
	}
	sc := newScanner(d.argsLater.span)
	defer sc.release()
	args, bindErr, err := bindArguments(sc, types)
	if err != nil {
		return err
	}
	d.arguments, d.argsErr = args, bindErr
	return nil
}

// build validates the accumulated members and constructs the message.
func (d *decodeState) build() (message.HubMessage, error) {
	if !d.hasType {
		return nil, missingProperty(fieldType)
	}

	var msg message.HubMessage
	switch message.Type(d.typ) {
	case message.InvocationType, message.StreamInvocationType:
		streaming := message.Type(d.typ) == message.StreamInvocationType
		if err := d.bindDeferredArguments(); err != nil {
			return nil, err
		}
		if d.argsErr != nil {
			d.argsErr.InvocationID, d.argsErr.Target = d.invocationID, d.target
			return &message.InvocationBindingFailure{
				InvocationID: d.invocationID,
				Target:       d.target,
				Err:          d.argsErr,
			}, nil
		}
		if streaming && d.invocationID == "" {
			return nil, missingProperty(fieldInvocationID)
		}
		if d.target == "" {
			return nil, missingProperty(fieldTarget)
		}
		if !d.hasArguments {
			return nil, missingProperty(fieldArguments)
		}
		if streaming {
			msg = &message.StreamInvocation{
				InvocationID: d.invocationID,
				Target:       d.target,
				Arguments:    d.arguments,
				StreamIDs:    d.streamIDs,
			}
		} else {
			msg = &message.Invocation{
				InvocationID: d.invocationID,
				Target:       d.target,
				Arguments:    d.arguments,
				StreamIDs:    d.streamIDs,
			}
		}

	case message.StreamItemType:
		if d.invocationID == "" {
			return nil, missingProperty(fieldInvocationID)
		}
		if !d.hasItem {
			return nil, missingProperty(fieldItem)
		}
		if d.itemLater != nil {
			item, bindErr := d.bindItem(d.itemLater.span)
			if bindErr != nil {
				return &message.StreamBindingFailure{InvocationID: d.invocationID, Err: bindErr}, nil
			}
			d.item = item
		}
		msg = &message.StreamItem{InvocationID: d.invocationID, Item: d.item}

	case message.CompletionType:
		if d.invocationID == "" {
			return nil, missingProperty(fieldInvocationID)
		}
		if d.hasError && d.hasResult {
			return nil, structuralf("the '%s' and '%s' properties are mutually exclusive", fieldError, fieldResult)
		}
		if d.resultLater != nil {
			d.result, d.resultErr = d.bindResult(d.resultLater.span)
		}
		if d.resultErr != nil {
			return nil, d.resultErr
		}
		if d.hasResult {
			msg = &message.Completion{InvocationID: d.invocationID, Result: d.result, HasResult: true}
		} else {
			msg = &message.Completion{InvocationID: d.invocationID, Error: d.errorText}
		}

	case message.CancelInvocationType:
		if d.invocationID == "" {
			return nil, missingProperty(fieldInvocationID)
		}
		msg = &message.CancelInvocation{InvocationID: d.invocationID}

	case message.PingType:
		return message.PingMessage, nil

	case message.CloseType:
		// An empty string is still an error.
		if !d.hasError {
			return message.EmptyClose, nil
		}
		return message.NewCloseError(d.errorText), nil

	default:
		if d.typ <= 0 {
			return nil, structuralf("invalid message type %d", d.typ)
		}
		// Newer peers may send kinds this one does not know.
		return nil, nil
	}

	if len(d.headers) > 0 {
		message.WithHeaders(msg, d.headers)
	}
	return msg, nil
}

var _ HubProtocol = (*JSONHubProtocol)(nil)

