package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/astromechza/livecollections/pkg/change"
	"github.com/astromechza/livecollections/pkg/tasks"
)

const contentField = "content"

// enqueueChecksum records the size and checksum of a file's content once the write has returned. The update is a
// normal store write, so subscribers see it as an UPDATE.
func (s *Server) enqueueChecksum(id string, record change.Entity) {
	content, ok := record[contentField].(string)
	if !ok || s.tasks == nil {
		return
	}
	s.submit(tasks.Task{
		Class: tasks.Files,
		Name:  "checksum " + id,
		Run: func(ctx context.Context) (any, error) {
			sum := sha256.Sum256([]byte(content))
			return s.store.Update(ctx, change.Files, id, change.Entity{
				"size":     len(content),
				"checksum": "sha256:" + hex.EncodeToString(sum[:]),
			})
		},
	})
}

// enqueueAudit writes an audit_logs row describing a mutation. Audit writes are not audited themselves.
func (s *Server) enqueueAudit(resource change.Resource, action string, detail change.Entity) {
	if s.tasks == nil || resource == change.AuditLogs || !s.store.Has(change.AuditLogs) {
		return
	}
	entry := detail.Clone()
	entry["action"] = action
	entry["resource"] = string(resource)
	s.submit(tasks.Task{
		Class: tasks.Notifications,
		Name:  fmt.Sprintf("audit %s %s", action, resource),
		Run: func(ctx context.Context) (any, error) {
			return s.store.Create(ctx, change.AuditLogs, entry)
		},
	})
}

func (s *Server) submit(t tasks.Task) {
	if _, err := s.tasks.Submit(t); err != nil {
		s.logger.Warn("failed to enqueue side effect", "task", t.Name, "err", err)
	}
}
