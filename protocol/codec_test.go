package protocol

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandRoundTrip(t *testing.T) {
	cases := []Command{
		NewCommand("introspect_scene", nil),
		NewCommand("execute_code", map[string]any{"code": "x=1"}),
		NewCommand("import_file", map[string]any{
			"file_data":     "PHN2Zz48L3N2Zz4=",
			"file_format":   "svg",
			"extrude":       true,
			"extrude_depth": 0.25,
			"nested":        map[string]any{"list": []any{"a", 1.0, nil, false}},
		}),
		NewCommand("ünïcode", map[string]any{"k": "line\nbreak \"quoted\""}),
	}
	for _, c := range cases {
		t.Run(c.Name, func(t *testing.T) {
			b, err := EncodeCommand(c)
			require.NoError(t, err)
			decoded, err := DecodeCommand(b)
			require.NoError(t, err)
			assert.Equal(t, c, decoded)
		})
	}
}

func TestEncodeCommandShape(t *testing.T) {
	b, err := EncodeCommand(NewCommand("execute_code", map[string]any{"code": "x=1"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"command":"execute_code","params":{"code":"x=1"}}`, string(b))

	b, err = EncodeCommand(Command{Name: "introspect_scene"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"command":"introspect_scene","params":{}}`, string(b))
}

func TestDecodeCommandMissingParams(t *testing.T) {
	c, err := DecodeCommand([]byte(`{"command":"frobnicate"}`))
	require.NoError(t, err)
	assert.Equal(t, "frobnicate", c.Name)
	assert.NotNil(t, c.Params)
	assert.Empty(t, c.Params)

	c, err = DecodeCommand([]byte(`{"command":"frobnicate","params":null}`))
	require.NoError(t, err)
	assert.Empty(t, c.Params)
}

func TestDecodeCommandMalformed(t *testing.T) {
	inputs := []string{
		``,
		`{`,
		`null`,
		`[]`,
		`"execute_code"`,
		`42`,
		`{}`,
		`{"command":null}`,
		`{"command":""}`,
		`{"command":7}`,
		`{"command":"x","params":[1,2]}`,
		`{"command":"x","params":"nope"}`,
		"\xff\xfe\x00",
		strings.Repeat("[", 100000),
	}
	for _, in := range inputs {
		_, err := DecodeCommand([]byte(in))
		require.Error(t, err, "input %q", in)
		var perr *Error
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, KindMalformed, perr.Kind)
		assert.Equal(t, "invalid payload", perr.Message)
	}
}

func TestResponseRoundTrip(t *testing.T) {
	b, err := EncodeResponse(Ok(map[string]any{"message": "Code executed successfully", "output": ""}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"result":{"message":"Code executed successfully","output":""}}`, string(b))
	r := DecodeResponse(b)
	require.True(t, r.IsOk())
	assert.Equal(t, map[string]any{"message": "Code executed successfully", "output": ""}, r.Result)

	b, err = EncodeResponse(Fail(KindPeerError, "Execution error: %s", "boom"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":"Execution error: boom"}`, string(b))
	r = DecodeResponse(b)
	require.False(t, r.IsOk())
	assert.Equal(t, KindPeerError, r.Err.Kind)
	assert.Equal(t, "Execution error: boom", r.Err.Message)
}

func TestDecodeResponseNullResult(t *testing.T) {
	r := DecodeResponse([]byte(`{"result":null}`))
	require.True(t, r.IsOk())
	assert.Nil(t, r.Result)
}

func TestDecodeResponseMalformed(t *testing.T) {
	for _, in := range []string{``, `nope`, `null`, `{}`, `[{"result":1}]`, `{"status":"error"}`, strings.Repeat("{\"a\":", 50000)} {
		r := DecodeResponse([]byte(in))
		require.NotNil(t, r.Err, "input %q", in)
		assert.Equal(t, KindMalformed, r.Err.Kind)
	}
}

func TestEnvelope(t *testing.T) {
	b, err := EncodeEnvelope(Reply(TypeCodeExecuted, Ok(map[string]any{"output": "1"})))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"code_executed","result":{"output":"1"}}`, string(b))

	b, err = EncodeEnvelope(Reply(TypeCodeExecuted, Ok(nil)))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"code_executed","result":null}`, string(b))

	b, err = EncodeEnvelope(ErrorEnvelope(Errorf(KindUnknownCommand, "Unknown command: %s", "frobnicate")))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","error":"Unknown command: frobnicate","kind":"unknown_command"}`, string(b))

	at := time.Date(2024, 4, 11, 16, 0, 0, 0, time.UTC)
	e, err := DecodeEnvelope([]byte(`{"type":"client_list","clients":[{"id":"a","connected_at":"2024-04-11T16:00:00Z"}]}`))
	require.NoError(t, err)
	assert.Equal(t, []ClientInfo{{ID: "a", ConnectedAt: at}}, e.Clients)

	_, err = DecodeEnvelope([]byte(`{"result":1}`))
	assert.Equal(t, KindMalformed, KindOf(err))
}
