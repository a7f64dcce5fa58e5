package relay

import (
	"context"
	"encoding/base64"
	"math"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/guseggert/scenerelay/docsearch"
	"github.com/guseggert/scenerelay/importer"
	"github.com/guseggert/scenerelay/internal/metrics"
	"github.com/guseggert/scenerelay/observer"
	"github.com/guseggert/scenerelay/protocol"
	"go.uber.org/zap"
)

// Command names accepted from clients.
const (
	CmdConnectToPeer       = "connect_to_peer"
	CmdConnectToBlender    = "connect_to_blender"
	CmdGetConnectedClients = "get_connected_clients"
	CmdGenerateCode        = "generate_code"
	CmdExecuteCode         = "execute_code"
	CmdDescribeFunction    = "describe_function"
	CmdIntrospectScene     = "introspect_scene"
	CmdImportFile          = "import_file"
	CmdSearchAPI           = "search_api"
	CmdGetCommandHistory   = "get_command_history"
)

// Peer is the execution peer as seen by the dispatcher.
type Peer interface {
	Call(ctx context.Context, action string, params map[string]any) protocol.Response
	Connect(ctx context.Context, addr string) error
	Addr() string
	Connected() bool
	Close() error
}

type CodeGenerator interface {
	GenerateCode(ctx context.Context, prompt string, scene map[string]any) (string, error)
}

type FileImporter interface {
	GenerateCode(data []byte, format string, opts importer.Options) (*importer.Script, error)
}

type DocSearcher interface {
	Search(query string, n int) []docsearch.Document
}

// Outcome is the result of dispatching one command: a reply for the caller and, optionally, an
// event for every observer.
type Outcome struct {
	Reply     protocol.Envelope
	Broadcast *protocol.Envelope
}

func reply(e protocol.Envelope) Outcome {
	return Outcome{Reply: e}
}

// Dispatcher maps commands to actions. Nil collaborators make their commands fail with
// KindCollaboratorFailure.
type Dispatcher struct {
	Log       *zap.SugaredLogger
	Clock     clock.Clock
	Metrics   *metrics.Metrics
	Peer      Peer
	Observers *observer.Registry
	History   *History
	Generator CodeGenerator
	Importer  FileImporter
	Searcher  DocSearcher
}

// Dispatch runs cmd on behalf of from, which is nil for requests that did not arrive on a session.
// Peer calls are detached from ctx cancellation: a caller going away does not abort the exchange.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd protocol.Command, from *observer.Session) Outcome {
	label := cmd.Name
	var out Outcome
	switch cmd.Name {
	case CmdExecuteCode:
		out = d.peerCommand(ctx, cmd, protocol.TypeCodeExecuted, "code")
	case CmdDescribeFunction:
		out = d.peerCommand(ctx, cmd, protocol.TypeFunctionDescribed, "function_path")
	case CmdIntrospectScene:
		out = d.introspectScene(ctx)
	case CmdImportFile:
		out = d.importFile(ctx, cmd.Params, from)
	case CmdGenerateCode:
		out = d.generateCode(ctx, cmd.Params)
	case CmdConnectToPeer, CmdConnectToBlender:
		out = d.connect(ctx, cmd.Params)
	case CmdGetConnectedClients:
		out = reply(protocol.Envelope{Type: protocol.TypeClientList, Clients: d.Observers.Sessions()})
	case CmdSearchAPI:
		out = d.search(cmd.Params)
	case CmdGetCommandHistory:
		out = reply(protocol.Envelope{Type: protocol.TypeCommandHistory, Result: d.History.Entries()})
	default:
		label = "unknown"
		d.Log.Warnw("unknown command", "Command", cmd.Name)
		out = reply(protocol.ErrorEnvelope(protocol.Errorf(protocol.KindUnknownCommand, "Unknown command: %s", cmd.Name)))
	}
	d.Metrics.Commands.WithLabelValues(label).Inc()
	return out
}

func (d *Dispatcher) call(ctx context.Context, action string, params map[string]any) protocol.Response {
	return d.Peer.Call(context.WithoutCancel(ctx), action, params)
}

func (d *Dispatcher) peerCommand(ctx context.Context, cmd protocol.Command, typ, required string) Outcome {
	if _, ok := stringParam(cmd.Params, required); !ok {
		return reply(protocol.Reply(typ, missing(required)))
	}
	return reply(protocol.Reply(typ, d.call(ctx, cmd.Name, cmd.Params)))
}

func (d *Dispatcher) introspectScene(ctx context.Context) Outcome {
	resp := d.call(ctx, CmdIntrospectScene, map[string]any{})
	if resp.Err != nil {
		return reply(protocol.Reply(protocol.TypeSceneData, resp))
	}
	return reply(protocol.Envelope{Type: protocol.TypeSceneData, Data: protocol.OrNull(resp.Result)})
}

// sceneContext fetches the scene for code generation. Failures only cost the context.
func (d *Dispatcher) sceneContext(ctx context.Context) map[string]any {
	resp := d.call(ctx, CmdIntrospectScene, map[string]any{})
	if resp.Err != nil {
		d.Log.Warnw("generating code without scene data", "Error", resp.Err)
		return nil
	}
	scene, _ := resp.Result.(map[string]any)
	return scene
}

func (d *Dispatcher) generateCode(ctx context.Context, params map[string]any) Outcome {
	prompt, ok := stringParam(params, "prompt")
	if !ok {
		return reply(protocol.Reply(protocol.TypeCodeGenerated, missing("prompt")))
	}
	if d.Generator == nil {
		return reply(protocol.Reply(protocol.TypeCodeGenerated, notConfigured("code generation")))
	}
	var scene map[string]any
	if boolParam(params, "include_scene_data", true) {
		scene = d.sceneContext(ctx)
	}
	code, err := d.Generator.GenerateCode(context.WithoutCancel(ctx), prompt, scene)
	if err != nil {
		d.Log.Errorw("code generation failed", "Error", err)
		return reply(protocol.Reply(protocol.TypeCodeGenerated,
			protocol.Fail(protocol.KindCollaboratorFailure, "Code generation failed: %s", err)))
	}
	return reply(protocol.Envelope{Type: protocol.TypeCodeGenerated, Code: code})
}

func (d *Dispatcher) importFile(ctx context.Context, params map[string]any, from *observer.Session) Outcome {
	encoded, ok := stringParam(params, "file_data")
	if !ok {
		return reply(protocol.Reply(protocol.TypeImportError, missing("file_data")))
	}
	format, ok := stringParam(params, "file_format")
	if !ok {
		return reply(protocol.Reply(protocol.TypeImportError, missing("file_format")))
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return reply(protocol.Reply(protocol.TypeImportError,
			protocol.Fail(protocol.KindMalformed, "file_data is not valid base64")))
	}
	if d.Importer == nil {
		return reply(protocol.Reply(protocol.TypeImportError, notConfigured("file import")))
	}

	depth := floatParam(params, "extrude_depth", 0.1)
	opts := importer.Options{
		Extrude:      boolParam(params, "extrude", true) && depth != 0,
		ExtrudeDepth: depth,
		Scale:        floatParam(params, "scale", 1.0),
	}
	script, err := d.Importer.GenerateCode(data, format, opts)
	if err != nil {
		d.Log.Warnw("file import failed", "Format", format, "Error", err)
		return reply(protocol.Reply(protocol.TypeImportError,
			protocol.Fail(protocol.KindCollaboratorFailure, "%s", err)))
	}

	resp := d.call(ctx, CmdExecuteCode, map[string]any{"code": script.Code})
	if resp.Err != nil {
		// the code that would have removed the staged file did not run, or not to the end
		if err := script.Remove(); err != nil {
			d.Log.Warnw("leaving staged import file behind", "Path", script.Path, "Error", err)
		}
		return reply(protocol.Reply(protocol.TypeImportError, resp))
	}

	notice := protocol.Envelope{
		Type: protocol.TypeFileImportNotice,
		Result: map[string]any{
			"message":     "File imported",
			"file_format": format,
			"client":      sessionID(from),
		},
	}
	return Outcome{
		Reply: protocol.Envelope{
			Type: protocol.TypeFileImported,
			Result: map[string]any{
				"success":          true,
				"message":          "File imported successfully",
				"execution_result": resp.Result,
			},
		},
		Broadcast: &notice,
	}
}

func (d *Dispatcher) connect(ctx context.Context, params map[string]any) Outcome {
	addr, _ := stringParam(params, "url")
	err := d.Peer.Connect(context.WithoutCancel(ctx), addr)
	now := d.Clock.Now().UTC().Format(time.RFC3339)
	if err != nil {
		return reply(protocol.Envelope{
			Type:   protocol.TypeConnectResult,
			Result: map[string]any{"success": false, "error": err.Error(), "timestamp": now},
			Error:  err.Error(),
			Kind:   protocol.KindUnavailable,
		})
	}
	return reply(protocol.Envelope{
		Type: protocol.TypeConnectResult,
		Result: map[string]any{
			"success":   true,
			"message":   "Successfully connected to " + d.Peer.Addr(),
			"timestamp": now,
		},
	})
}

func (d *Dispatcher) search(params map[string]any) Outcome {
	query, ok := stringParam(params, "query")
	if !ok {
		return reply(protocol.Reply(protocol.TypeSearchResults, missing("query")))
	}
	if d.Searcher == nil {
		return reply(protocol.Reply(protocol.TypeSearchResults, notConfigured("document search")))
	}
	limit, ok := searchLimit(params)
	if !ok {
		return reply(protocol.Reply(protocol.TypeSearchResults,
			protocol.Fail(protocol.KindMalformed, "limit must be a whole number between 1 and %d", maxSearchLimit)))
	}
	results := d.Searcher.Search(query, limit)
	if results == nil {
		results = []docsearch.Document{}
	}
	return reply(protocol.Envelope{Type: protocol.TypeSearchResults, Result: results})
}

const maxSearchLimit = 100

// searchLimit reads the optional "limit" param, defaulting to 10. Values above maxSearchLimit are
// clamped; anything that is not a positive whole number is rejected.
func searchLimit(params map[string]any) (int, bool) {
	v, present := params["limit"]
	if !present || v == nil {
		return 10, true
	}
	f, ok := v.(float64)
	if !ok || math.IsNaN(f) || f < 1 || f != math.Trunc(f) {
		return 0, false
	}
	if f > maxSearchLimit {
		return maxSearchLimit, true
	}
	return int(f), true
}

func missing(name string) protocol.Response {
	return protocol.Fail(protocol.KindMalformed, "Missing parameter: %s", name)
}

func notConfigured(what string) protocol.Response {
	return protocol.Fail(protocol.KindCollaboratorFailure, "%s is not configured", what)
}

func sessionID(s *observer.Session) string {
	if s == nil {
		return ""
	}
	return s.ID
}

func stringParam(params map[string]any, key string) (string, bool) {
	s, ok := params[key].(string)
	return s, ok && s != ""
}

func boolParam(params map[string]any, key string, def bool) bool {
	if b, ok := params[key].(bool); ok {
		return b
	}
	return def
}

func floatParam(params map[string]any, key string, def float64) float64 {
	if f, ok := params[key].(float64); ok {
		return f
	}
	return def
}
