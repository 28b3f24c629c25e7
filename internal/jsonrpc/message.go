package jsonrpc

import (
	"encoding/json"
	"fmt"

	"github.com/sourcegraph/jsonrpc2"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Version is the only JSON-RPC version spoken on the wire.
const Version = "2.0"

// ID identifies a request. It is either a number or a string and is
// comparable, so it can key a map.
type ID = jsonrpc2.ID

// Error is the JSON-RPC error object carried by a failed Response.
type Error = jsonrpc2.Error

// NumberID returns a numeric request id.
func NumberID(n uint64) ID {
	return ID{Num: n}
}

// StringID returns a string request id.
func StringID(s string) ID {
	return ID{Str: s, IsString: true}
}

// Message is one of *Call, *Request, *Response, *Notification or *Invalid.
type Message interface {
	isMessage()
}

// Call is a request issued by the client. The client awaits its Response.
type Call struct {
	ID     ID
	Method string
	Params json.RawMessage
}

// Request is a request issued by the server. The client must answer it.
//
// RawID holds the id verbatim when it is a number ID cannot represent, such
// as a negative integer. ID is zero in that case.
type Request struct {
	ID     ID
	RawID  json.RawMessage
	Method string
	Params json.RawMessage
}

// IDString formats the request id for logs and diagnostics.
func (r *Request) IDString() string {
	return idString(r.ID, r.RawID)
}

// Response answers a Call or a Request. Exactly one of Result and Error is set.
// RawID, when set, is written in place of ID.
type Response struct {
	ID     ID
	RawID  json.RawMessage
	Result json.RawMessage
	Error  *Error
}

// IDString formats the response id for logs and diagnostics.
func (r *Response) IDString() string {
	return idString(r.ID, r.RawID)
}

func idString(id ID, raw json.RawMessage) string {
	if len(raw) > 0 {
		return string(raw)
	}
	return id.String()
}

// Notification is a one-way message.
type Notification struct {
	Method string
	Params json.RawMessage
}

// Invalid is a body that could not be classified.
type Invalid struct {
	Raw    []byte
	Reason string
}

func (*Call) isMessage()         {}
func (*Request) isMessage()      {}
func (*Response) isMessage()     {}
func (*Notification) isMessage() {}
func (*Invalid) isMessage()      {}

// Err converts the invalid message to a *ProtocolError.
func (m *Invalid) Err() error {
	return &ProtocolError{Reason: m.Reason, Raw: m.Raw}
}

// Reasons reported by Classify for invalid messages.
const (
	ReasonParseError        = "parse error"
	ReasonBatch             = "batch not supported"
	ReasonNotObject         = "message is not an object"
	ReasonBadVersion        = "unsupported jsonrpc version"
	ReasonInvalidID         = "invalid id"
	ReasonInvalidMethod     = "invalid method"
	ReasonMalformedResponse = "malformed response"
	ReasonMalformedError    = "malformed error object"
	ReasonNullID            = "response with null id"
	ReasonUnclassifiable    = "neither id nor method"
)

// Classify parses a frame body into a Message.
//
// An id together with a method is a Request. An id without a method is a
// Response, which must carry exactly one of result and error. A method
// without an id is a Notification. Everything else is Invalid. An explicit
// "error": null is treated as absent.
func Classify(body []byte) Message {
	if !gjson.ValidBytes(body) {
		return invalid(body, ReasonParseError)
	}
	root := gjson.ParseBytes(body)
	if root.IsArray() {
		return invalid(body, ReasonBatch)
	}
	if !root.IsObject() {
		return invalid(body, ReasonNotObject)
	}

	fields := root.Map()
	if v, ok := fields["jsonrpc"]; ok && v.String() != Version {
		return invalid(body, ReasonBadVersion)
	}

	idField, hasID := fields["id"]
	methodField, hasMethod := fields["method"]
	if hasMethod && methodField.Type != gjson.String {
		return invalid(body, ReasonInvalidMethod)
	}
	params := rawField(fields, "params")

	switch {
	case hasID && hasMethod:
		id, raw, ok := parseID(idField)
		if !ok {
			return invalid(body, ReasonInvalidID)
		}
		return &Request{ID: id, RawID: raw, Method: methodField.String(), Params: params}

	case hasMethod:
		return &Notification{Method: methodField.String(), Params: params}

	case hasID:
		resultField, hasResult := fields["result"]
		errField, hasError := fields["error"]
		hasError = hasError && errField.Type != gjson.Null
		if hasResult == hasError {
			return invalid(body, ReasonMalformedResponse)
		}
		if idField.Type == gjson.Null {
			return invalid(body, ReasonNullID)
		}
		id, raw, ok := parseID(idField)
		if !ok {
			return invalid(body, ReasonInvalidID)
		}
		resp := &Response{ID: id, RawID: raw}
		if hasResult {
			resp.Result = json.RawMessage(resultField.Raw)
			return resp
		}
		if !errField.IsObject() {
			return invalid(body, ReasonMalformedError)
		}
		var rpcErr Error
		if err := json.Unmarshal([]byte(errField.Raw), &rpcErr); err != nil {
			return invalid(body, ReasonMalformedError)
		}
		resp.Error = &rpcErr
		return resp
	}

	return invalid(body, ReasonUnclassifiable)
}

func invalid(body []byte, reason string) *Invalid {
	return &Invalid{Raw: body, Reason: reason}
}

func rawField(fields map[string]gjson.Result, name string) json.RawMessage {
	v, ok := fields[name]
	if !ok {
		return nil
	}
	return json.RawMessage(v.Raw)
}

// parseID accepts string and number ids. Numbers outside the unsigned
// range of ID come back as raw JSON so a reply can echo them.
func parseID(v gjson.Result) (ID, json.RawMessage, bool) {
	if v.Type != gjson.Number && v.Type != gjson.String {
		return ID{}, nil, false
	}
	var id ID
	if err := id.UnmarshalJSON([]byte(v.Raw)); err != nil {
		if v.Type == gjson.Number {
			return ID{}, json.RawMessage(v.Raw), true
		}
		return ID{}, nil, false
	}
	return id, nil, true
}

// ParseID decodes a JSON id the way Classify does, for ids carried inside
// params such as those of $/cancelRequest.
func ParseID(raw []byte) (ID, json.RawMessage, bool) {
	return parseID(gjson.ParseBytes(raw))
}

// Marshal encodes a message body. Raw params and results are spliced in
// verbatim after being checked for validity.
func Marshal(msg Message) ([]byte, error) {
	body := []byte(`{"jsonrpc":"2.0"}`)
	var err error

	switch m := msg.(type) {
	case *Call:
		return marshalRequest(body, m.ID, m.Method, m.Params)
	case *Request:
		if len(m.RawID) > 0 {
			if body, err = setRaw(body, "id", m.RawID); err != nil {
				return nil, err
			}
			if body, err = sjson.SetBytes(body, "method", m.Method); err != nil {
				return nil, err
			}
			return setRaw(body, "params", m.Params)
		}
		return marshalRequest(body, m.ID, m.Method, m.Params)
	case *Notification:
		if body, err = sjson.SetBytes(body, "method", m.Method); err != nil {
			return nil, err
		}
		return setRaw(body, "params", m.Params)
	case *Response:
		if len(m.RawID) > 0 {
			body, err = setRaw(body, "id", m.RawID)
		} else {
			body, err = setID(body, m.ID)
		}
		if err != nil {
			return nil, err
		}
		if m.Error != nil {
			errJSON, err := json.Marshal(m.Error)
			if err != nil {
				return nil, fmt.Errorf("marshal error object: %w", err)
			}
			return sjson.SetRawBytes(body, "error", errJSON)
		}
		result := m.Result
		if len(result) == 0 {
			result = json.RawMessage("null")
		}
		return setRaw(body, "result", result)
	case *Invalid:
		return nil, fmt.Errorf("cannot marshal invalid message: %s", m.Reason)
	default:
		return nil, fmt.Errorf("cannot marshal message of type %T", msg)
	}
}

func marshalRequest(body []byte, id ID, method string, params json.RawMessage) ([]byte, error) {
	body, err := setID(body, id)
	if err != nil {
		return nil, err
	}
	if body, err = sjson.SetBytes(body, "method", method); err != nil {
		return nil, err
	}
	return setRaw(body, "params", params)
}

func setID(body []byte, id ID) ([]byte, error) {
	idJSON, err := id.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshal id: %w", err)
	}
	return sjson.SetRawBytes(body, "id", idJSON)
}

// setRaw splices raw JSON under key; an empty value leaves the key out.
func setRaw(body []byte, key string, raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return body, nil
	}
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%s is not valid JSON", key)
	}
	return sjson.SetRawBytes(body, key, raw)
}

// MarshalParams converts caller-supplied params into raw JSON. A nil value
// yields nil so the params member is omitted. The result is always valid
// JSON, so encoding a message built from it cannot fail later.
func MarshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(p) > 0 && !json.Valid(p) {
			return nil, fmt.Errorf("marshal params: raw params are not valid JSON")
		}
		return p, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return data, nil
}
