package toolhost

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	apperrors "github.com/aether/aether/internal/common/errors"
	"github.com/aether/aether/internal/events"
	v1 "github.com/aether/aether/pkg/api/v1"
)

const filesystemSchema = `{
	"type": "object",
	"properties": {
		"op": {"type": "string", "enum": ["ls", "read", "write", "mkdir", "delete"]},
		"path": {"type": "string"},
		"content": {"type": "string"}
	},
	"required": ["op", "path"],
	"additionalProperties": false
}`

// agentHome resolves the sandbox root for one agent and guards against
// traversal outside it.
func agentHome(homeDir, uid, rel string) (root string, abs string, err error) {
	root = filepath.Join(homeDir, uid)
	abs = filepath.Join(root, filepath.Clean("/"+rel))
	if abs != root && !strings.HasPrefix(abs, root+string(os.PathSeparator)) {
		return "", "", apperrors.Validation("path escapes the agent home")
	}
	return root, abs, nil
}

func registerFilesystem(h *Host, deps BuiltinDeps) error {
	return h.Register(&Tool{
		Name:        "filesystem",
		Description: "List, read, write, and delete files under the agent home directory.",
		Capability:  "fs.access",
		Schema:      filesystemSchema,
		Handler: func(ctx context.Context, call Call) (interface{}, error) {
			op, _ := call.Args["op"].(string)
			rel, _ := call.Args["path"].(string)
			uid := call.Subject.UID

			root, abs, err := agentHome(deps.Config.Database.HomeDir, uid, rel)
			if err != nil {
				return nil, err
			}
			relClean := strings.TrimPrefix(strings.TrimPrefix(abs, root), string(os.PathSeparator))

			switch op {
			case "ls":
				entries, err := os.ReadDir(abs)
				if os.IsNotExist(err) {
					return []interface{}{}, nil
				}
				if err != nil {
					return nil, err
				}
				listing := make([]map[string]interface{}, 0, len(entries))
				for _, e := range entries {
					info, err := e.Info()
					if err != nil {
						continue
					}
					listing = append(listing, map[string]interface{}{
						"name": e.Name(),
						"dir":  e.IsDir(),
						"size": info.Size(),
					})
				}
				return listing, nil

			case "read":
				data, err := os.ReadFile(abs)
				if os.IsNotExist(err) {
					return nil, apperrors.NotFound("file", relClean)
				}
				if err != nil {
					return nil, err
				}
				return string(data), nil

			case "write":
				content, _ := call.Args["content"].(string)
				if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
					return nil, err
				}
				if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
					return nil, err
				}
				size := int64(len(content))
				now := nowMs()
				meta := &v1.FileMetadata{
					Path:       relClean,
					OwnerUID:   uid,
					Size:       size,
					FileType:   "file",
					CreatedAt:  now,
					ModifiedAt: now,
				}
				if err := deps.Store.UpsertFile(ctx, meta); err != nil {
					deps.Logger.WithUID(uid).WithError(err).Error("file index update failed")
				}
				deps.Bus.Emit(events.New(events.FSChanged, events.FSEvent{
					Path:     relClean,
					OwnerUID: uid,
					Op:       "write",
					Size:     size,
				}).WithOwner(uid).WithPID(call.PID))
				return map[string]interface{}{"path": relClean, "size": size}, nil

			case "mkdir":
				if err := os.MkdirAll(abs, 0o755); err != nil {
					return nil, err
				}
				now := nowMs()
				meta := &v1.FileMetadata{
					Path:       relClean,
					OwnerUID:   uid,
					FileType:   "directory",
					CreatedAt:  now,
					ModifiedAt: now,
				}
				if err := deps.Store.UpsertFile(ctx, meta); err != nil {
					deps.Logger.WithUID(uid).WithError(err).Error("file index update failed")
				}
				deps.Bus.Emit(events.New(events.FSChanged, events.FSEvent{
					Path:     relClean,
					OwnerUID: uid,
					Op:       "mkdir",
				}).WithOwner(uid).WithPID(call.PID))
				return map[string]interface{}{"path": relClean}, nil

			case "delete":
				if err := os.RemoveAll(abs); err != nil {
					return nil, err
				}
				if err := deps.Store.DeleteFile(ctx, uid, relClean); err != nil {
					deps.Logger.WithUID(uid).WithError(err).Error("file index delete failed")
				}
				deps.Bus.Emit(events.New(events.FSChanged, events.FSEvent{
					Path:     relClean,
					OwnerUID: uid,
					Op:       "delete",
				}).WithOwner(uid).WithPID(call.PID))
				return map[string]interface{}{"path": relClean}, nil

			default:
				return nil, apperrors.Validation(fmt.Sprintf("unknown op %q", op))
			}
		},
	})
}
