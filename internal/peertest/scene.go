package peertest

import (
	"strings"
	"sync"

	"github.com/guseggert/scenerelay/protocol"
)

// SceneHandler answers the peer commands against a small in-memory scene. Executing code that
// mentions primitive_cube_add adds a cube; everything else executes as a no-op.
func SceneHandler() Handler {
	var mu sync.Mutex
	var objects []any

	return func(cmd protocol.Command) protocol.Response {
		mu.Lock()
		defer mu.Unlock()

		switch cmd.Name {
		case "introspect_scene":
			return protocol.Ok(map[string]any{
				"name":          "Scene",
				"frame_current": 1.0,
				"frame_start":   1.0,
				"frame_end":     250.0,
				"objects_count": float64(len(objects)),
				"objects":       append([]any{}, objects...),
			})
		case "describe_function":
			path, _ := cmd.Params["function_path"].(string)
			if path == "" || !strings.HasPrefix(path, "bpy.") {
				return protocol.Fail(protocol.KindPeerError, "Function not found: %s", path)
			}
			parts := strings.Split(path, ".")
			return protocol.Ok(map[string]any{
				"name":        parts[len(parts)-1],
				"full_path":   path,
				"docstring":   "",
				"is_function": true,
			})
		case "execute_code":
			code, ok := cmd.Params["code"].(string)
			if !ok {
				return protocol.Fail(protocol.KindPeerError, "Execution error: no code")
			}
			if strings.Contains(code, "primitive_cube_add") {
				objects = append(objects, map[string]any{
					"name":     "Cube",
					"type":     "MESH",
					"location": []any{0.0, 0.0, 0.0},
					"visible":  true,
				})
			}
			return protocol.Ok(map[string]any{
				"message": "Code executed successfully",
				"output":  "",
			})
		default:
			return protocol.Fail(protocol.KindPeerError, "Unknown command: %s", cmd.Name)
		}
	}
}
