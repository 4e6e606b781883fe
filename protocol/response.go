package protocol

import (
	"encoding/base64"
	"encoding/json"
	"strconv"

	"github.com/Joett77/ussl/crdt"
)

// ResponseKind identifies a response frame variant.
type ResponseKind uint8

const (
	RespOK ResponseKind = iota
	RespError
	RespBulk
	RespArray
	RespDelta
	RespInteger
	RespValue
	RespNull
	RespPong
)

// Response is a single reply frame. Build one with the constructors
// below and serialize it with Encode or AppendTo.
type Response struct {
	kind    ResponseKind
	message string
	hasMsg  bool
	code    string
	data    []byte
	items   []Response
	n       int64
	version uint64
	value   crdt.Value
}

// OK returns a bare +OK frame.
func OK() Response {
	return Response{kind: RespOK}
}

// OKMessage returns an +OK frame carrying a message.
func OKMessage(msg string) Response {
	return Response{kind: RespOK, message: msg, hasMsg: true}
}

// Error returns an -ERR frame with a machine code and human message.
func Error(code, message string) Response {
	return Response{kind: RespError, code: code, message: message}
}

// NotFound returns the standard missing-document error frame.
func NotFound(id string) Response {
	return Error("NOT_FOUND", "Document not found: "+id)
}

// Bulk returns a length-prefixed binary frame.
func Bulk(data []byte) Response {
	return Response{kind: RespBulk, data: data}
}

// Array returns a frame holding nested frames.
func Array(items []Response) Response {
	return Response{kind: RespArray, items: items}
}

// Delta returns a subscription push frame. The payload is base64-encoded
// on the wire.
func Delta(version uint64, data []byte) Response {
	return Response{kind: RespDelta, version: version, data: data}
}

// Integer returns a :<n> frame.
func Integer(n int64) Response {
	return Response{kind: RespInteger, n: n}
}

// Value returns a bulk frame holding the JSON encoding of v.
func Value(v crdt.Value) Response {
	return Response{kind: RespValue, value: v}
}

// Null returns the null bulk frame.
func Null() Response {
	return Response{kind: RespNull}
}

// Pong returns the +PONG frame.
func Pong() Response {
	return Response{kind: RespPong}
}

// Kind returns the frame variant.
func (r Response) Kind() ResponseKind {
	return r.kind
}

// Code returns the machine code of an error frame, empty otherwise.
func (r Response) Code() string {
	if r.kind != RespError {
		return ""
	}
	return r.code
}

// IsGoodbye reports whether this is the QUIT acknowledgement, after
// which the connection closes.
func (r Response) IsGoodbye() bool {
	return r.kind == RespOK && r.hasMsg && r.message == "Goodbye"
}

// Encode serializes the response to wire bytes.
func (r Response) Encode() []byte {
	return r.AppendTo(nil)
}

// AppendTo serializes the response onto buf and returns the extended
// slice.
func (r Response) AppendTo(buf []byte) []byte {
	switch r.kind {
	case RespOK:
		if !r.hasMsg {
			return append(buf, "+OK\r\n"...)
		}
		buf = append(buf, "+OK "...)
		buf = append(buf, r.message...)
		return append(buf, "\r\n"...)
	case RespError:
		buf = append(buf, "-ERR "...)
		buf = append(buf, r.code...)
		buf = append(buf, ' ')
		buf = append(buf, r.message...)
		return append(buf, "\r\n"...)
	case RespBulk:
		return appendBulk(buf, r.data)
	case RespArray:
		buf = append(buf, '*')
		buf = strconv.AppendInt(buf, int64(len(r.items)), 10)
		buf = append(buf, "\r\n"...)
		for _, item := range r.items {
			buf = item.AppendTo(buf)
		}
		return buf
	case RespDelta:
		buf = append(buf, '#')
		buf = strconv.AppendUint(buf, r.version, 10)
		buf = append(buf, ' ')
		buf = append(buf, base64.StdEncoding.EncodeToString(r.data)...)
		return append(buf, "\r\n"...)
	case RespInteger:
		buf = append(buf, ':')
		buf = strconv.AppendInt(buf, r.n, 10)
		return append(buf, "\r\n"...)
	case RespValue:
		data, err := json.Marshal(r.value)
		if err != nil {
			data = []byte("null")
		}
		return appendBulk(buf, data)
	case RespNull:
		return append(buf, "$-1\r\n"...)
	case RespPong:
		return append(buf, "+PONG\r\n"...)
	default:
		return buf
	}
}

func appendBulk(buf, data []byte) []byte {
	buf = append(buf, '$')
	buf = strconv.AppendInt(buf, int64(len(data)), 10)
	buf = append(buf, "\r\n"...)
	buf = append(buf, data...)
	return append(buf, "\r\n"...)
}
