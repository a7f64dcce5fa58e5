package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Command is a named request with its parameters.
type Command struct {
	Name   string
	Params map[string]any
}

// NewCommand builds a Command, substituting an empty map for nil params.
func NewCommand(name string, params map[string]any) Command {
	if params == nil {
		params = map[string]any{}
	}
	return Command{Name: name, Params: params}
}

// Response is the outcome of a Command: exactly one of Result or Err is meaningful.
type Response struct {
	Result any
	Err    *Error
}

// Ok wraps a successful result.
func Ok(result any) Response {
	return Response{Result: result}
}

// Fail builds a failed Response.
func Fail(kind ErrorKind, format string, args ...any) Response {
	return Response{Err: Errorf(kind, format, args...)}
}

func (r Response) IsOk() bool {
	return r.Err == nil
}

type commandMessage struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params"`
}

type rawCommandMessage struct {
	Command json.RawMessage `json:"command"`
	Params  json.RawMessage `json:"params"`
}

type resultMessage struct {
	Result any `json:"result"`
}

type errorMessage struct {
	Error string `json:"error"`
}

type rawReplyMessage struct {
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

// EncodeCommand encodes c as {"command": ..., "params": ...}.
func EncodeCommand(c Command) ([]byte, error) {
	params := c.Params
	if params == nil {
		params = map[string]any{}
	}
	b, err := json.Marshal(commandMessage{Command: c.Name, Params: params})
	if err != nil {
		return nil, fmt.Errorf("encoding command %q: %w", c.Name, err)
	}
	return b, nil
}

// DecodeCommand decodes a request. Any failure is returned as a KindMalformed *Error.
func DecodeCommand(b []byte) (Command, error) {
	var raw rawCommandMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return Command{}, errInvalidPayload()
	}
	if isNull(raw.Command) {
		return Command{}, errInvalidPayload()
	}
	var name string
	if err := json.Unmarshal(raw.Command, &name); err != nil || name == "" {
		return Command{}, errInvalidPayload()
	}
	params := map[string]any{}
	if !isNull(raw.Params) {
		if err := json.Unmarshal(raw.Params, &params); err != nil {
			return Command{}, errInvalidPayload()
		}
		if params == nil {
			params = map[string]any{}
		}
	}
	return Command{Name: name, Params: params}, nil
}

// EncodeResponse encodes r as {"result": ...} or {"error": ...}.
func EncodeResponse(r Response) ([]byte, error) {
	var msg any = resultMessage{Result: r.Result}
	if r.Err != nil {
		msg = errorMessage{Error: r.Err.Message}
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding response: %w", err)
	}
	return b, nil
}

// DecodeResponse decodes a reply. An {"error": ...} reply becomes a KindPeerError response;
// anything that is neither a result nor an error becomes a KindMalformed response.
func DecodeResponse(b []byte) Response {
	var raw rawReplyMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return Response{Err: errInvalidPayload()}
	}
	if !isNull(raw.Error) {
		var msg string
		if err := json.Unmarshal(raw.Error, &msg); err != nil {
			msg = string(raw.Error)
		}
		return Response{Err: &Error{Kind: KindPeerError, Message: msg}}
	}
	if len(raw.Result) == 0 {
		return Response{Err: errInvalidPayload()}
	}
	var result any
	if err := json.Unmarshal(raw.Result, &result); err != nil {
		return Response{Err: errInvalidPayload()}
	}
	return Ok(result)
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
