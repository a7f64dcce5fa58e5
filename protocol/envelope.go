package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope types sent to clients.
const (
	TypeConnectResult     = "connect_result"
	TypeClientList        = "client_list"
	TypeCodeGenerated     = "code_generated"
	TypeCodeExecuted      = "code_executed"
	TypeFunctionDescribed = "function_described"
	TypeSceneData         = "scene_data"
	TypeFileImported      = "file_imported"
	TypeImportError       = "import_error"
	TypeSearchResults     = "search_results"
	TypeCommandHistory    = "command_history"
	TypeError             = "error"

	// TypeFileImportNotice is broadcast to every observer, it is never a reply.
	TypeFileImportNotice = "file_import_notice"
)

// ClientInfo describes one connected observer session.
type ClientInfo struct {
	ID          string    `json:"id"`
	ConnectedAt time.Time `json:"connected_at"`
	Remote      string    `json:"remote,omitempty"`
}

// Envelope is a message sent to a client. Type is always set.
type Envelope struct {
	Type    string       `json:"type"`
	Result  any          `json:"result,omitempty"`
	Data    any          `json:"data,omitempty"`
	Code    string       `json:"code,omitempty"`
	Clients []ClientInfo `json:"clients,omitempty"`
	Error   string       `json:"error,omitempty"`
	Kind    ErrorKind    `json:"kind,omitempty"`
}

// Reply shapes a Response as an envelope of the given type, carrying the result or the error.
func Reply(typ string, r Response) Envelope {
	if r.Err != nil {
		return Envelope{Type: typ, Error: r.Err.Message, Kind: r.Err.Kind}
	}
	return Envelope{Type: typ, Result: OrNull(r.Result)}
}

// OrNull keeps a nil payload visible as an explicit JSON null instead of letting omitempty drop it.
func OrNull(v any) any {
	if v == nil {
		return json.RawMessage("null")
	}
	return v
}

// ErrorEnvelope is the reply for a command that could not be dispatched at all.
func ErrorEnvelope(err *Error) Envelope {
	return Envelope{Type: TypeError, Error: err.Message, Kind: err.Kind}
}

// Failed reports whether the envelope carries an error.
func (e Envelope) Failed() bool {
	return e.Error != ""
}

func EncodeEnvelope(e Envelope) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding %s envelope: %w", e.Type, err)
	}
	return b, nil
}

// DecodeEnvelope decodes a client-facing message. Messages without a type are malformed.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil || e.Type == "" {
		return Envelope{}, errInvalidPayload()
	}
	return e, nil
}
