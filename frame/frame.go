// Package frame defines the application-layer messages exchanged between a
// cloud node and a connected site over the tunnel transport. Every message
// is a JSON object carrying a "type" tag; body bytes travel base64-encoded.
package frame

import (
	"encoding/json"
	"net/http"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// Type tags a frame on the wire.
type Type string

const (
	TypeRequest          Type = "request"
	TypeRequestBody      Type = "requestBody"
	TypeResponseHeader   Type = "responseHeader"
	TypeResponseBody     Type = "responseBody"
	TypeResponseFinished Type = "responseFinished"
	TypeCancel           Type = "cancel"
	TypeNotification     Type = "notification"
	TypeItemUpdate       Type = "itemupdate"
	TypeCommand          Type = "command"
	TypeWebSocketClose   Type = "websocketClose"
)

var ErrUnknownType = errors.New("unknown frame type")

// Frame is one tunnel message. The concrete type determines the schema.
type Frame interface {
	Kind() Type
}

// Request asks the site to execute an HTTP request on the user's behalf.
type Request struct {
	Type    Type        `json:"type"`
	ID      uint64      `json:"id"`
	Method  string      `json:"method"`
	URL     string      `json:"url"`
	Headers http.Header `json:"headers,omitempty"`
	Body    []byte      `json:"body,omitempty"`
	// Upgrade marks a websocket upgrade request; the site answers with a
	// 101 ResponseHeader instead of a regular response.
	Upgrade bool `json:"upgrade,omitempty"`
}

func (f *Request) Kind() Type { return TypeRequest }

// RequestBody carries bytes read from an upgraded client socket back to the
// site, correlated by the upgrade request's id.
type RequestBody struct {
	Type Type   `json:"type"`
	ID   uint64 `json:"id"`
	Body []byte `json:"body"`
}

func (f *RequestBody) Kind() Type { return TypeRequestBody }

// ResponseHeader is the first frame of a response.
type ResponseHeader struct {
	Type    Type        `json:"type"`
	ID      uint64      `json:"id"`
	Status  int         `json:"status"`
	Headers http.Header `json:"headers,omitempty"`
}

func (f *ResponseHeader) Kind() Type { return TypeResponseHeader }

// ResponseBody is one chunk of response body. Zero or more per response.
type ResponseBody struct {
	Type Type   `json:"type"`
	ID   uint64 `json:"id"`
	Body []byte `json:"body"`
}

func (f *ResponseBody) Kind() Type { return TypeResponseBody }

// ResponseFinished ends a response. The receiver closes the client response
// and drops the in-flight entry.
type ResponseFinished struct {
	Type Type   `json:"type"`
	ID   uint64 `json:"id"`
}

func (f *ResponseFinished) Kind() Type { return TypeResponseFinished }

// Cancel tells the site the client went away; the site aborts handling and
// need not reply.
type Cancel struct {
	Type Type   `json:"type"`
	ID   uint64 `json:"id"`
}

func (f *Cancel) Kind() Type { return TypeCancel }

// Notification is a push notification intent emitted by the site.
type Notification struct {
	Type    Type            `json:"type"`
	UserID  string          `json:"userId"`
	Payload json.RawMessage `json:"payload"`
}

func (f *Notification) Kind() Type { return TypeNotification }

// ItemUpdate propagates an item state change from the site.
type ItemUpdate struct {
	Type  Type   `json:"type"`
	Name  string `json:"name"`
	Value string `json:"value"`
}

func (f *ItemUpdate) Kind() Type { return TypeItemUpdate }

// Command sends an item command towards the site.
type Command struct {
	Type  Type   `json:"type"`
	Name  string `json:"name"`
	Value string `json:"value"`
}

func (f *Command) Kind() Type { return TypeCommand }

// WebSocketClose tells the other end that one side of a tunneled websocket
// has closed.
type WebSocketClose struct {
	Type Type   `json:"type"`
	ID   uint64 `json:"id"`
}

func (f *WebSocketClose) Kind() Type { return TypeWebSocketClose }

type envelope struct {
	Type Type `json:"type"`
}

// Encode serializes a frame, stamping its type tag.
func Encode(f Frame) ([]byte, error) {
	switch v := f.(type) {
	case *Request:
		v.Type = TypeRequest
	case *RequestBody:
		v.Type = TypeRequestBody
	case *ResponseHeader:
		v.Type = TypeResponseHeader
	case *ResponseBody:
		v.Type = TypeResponseBody
	case *ResponseFinished:
		v.Type = TypeResponseFinished
	case *Cancel:
		v.Type = TypeCancel
	case *Notification:
		v.Type = TypeNotification
	case *ItemUpdate:
		v.Type = TypeItemUpdate
	case *Command:
		v.Type = TypeCommand
	case *WebSocketClose:
		v.Type = TypeWebSocketClose
	default:
		return nil, errors.Errorf("cannot encode frame of type %T", f)
	}
	return jsonAPI.Marshal(f)
}

// Decode parses one wire message into its concrete frame. Unknown type tags
// return ErrUnknownType so the session can drop them without closing.
func Decode(data []byte) (Frame, error) {
	var env envelope
	if err := jsonAPI.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(err, "malformed frame")
	}

	var f Frame
	switch env.Type {
	case TypeRequest:
		f = &Request{}
	case TypeRequestBody:
		f = &RequestBody{}
	case TypeResponseHeader:
		f = &ResponseHeader{}
	case TypeResponseBody:
		f = &ResponseBody{}
	case TypeResponseFinished:
		f = &ResponseFinished{}
	case TypeCancel:
		f = &Cancel{}
	case TypeNotification:
		f = &Notification{}
	case TypeItemUpdate:
		f = &ItemUpdate{}
	case TypeCommand:
		f = &Command{}
	case TypeWebSocketClose:
		f = &WebSocketClose{}
	default:
		return nil, errors.Wrapf(ErrUnknownType, "%q", env.Type)
	}

	if err := jsonAPI.Unmarshal(data, f); err != nil {
		return nil, errors.Wrapf(err, "malformed %s frame", env.Type)
	}
	return f, nil
}
