package mcp

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nvandessel/floodgate/internal/store"
)

// AuditEntry represents a single audit log entry for an MCP tool invocation.
// It captures metadata about the call without including content.
type AuditEntry struct {
	Timestamp  time.Time         `json:"timestamp"`
	Tool       string            `json:"tool"`
	DurationMs int64             `json:"duration_ms"`
	Status     string            `json:"status"` // "success" or "error"
	Error      string            `json:"error,omitempty"`
	Params     map[string]string `json:"params,omitempty"` // sanitized metadata only
}

// AuditLogger appends audit entries to .floodgate/audit.jsonl. It is safe
// for concurrent use. A nil AuditLogger is safe to use; all methods are
// no-ops on nil receiver.
type AuditLogger struct {
	mu   sync.Mutex
	file *os.File
}

// NewAuditLogger opens root/.floodgate/audit.jsonl for append. If the file
// cannot be created, a warning is printed to stderr and nil is returned.
func NewAuditLogger(root string) *AuditLogger {
	path := filepath.Join(store.LocalPath(root), "audit.jsonl")

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		fmt.Fprintf(os.Stderr, "warning: cannot create audit log directory %s: %v\n", filepath.Dir(path), err)
		return nil
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: cannot open audit log %s: %v\n", path, err)
		return nil
	}

	return &AuditLogger{file: f}
}

// Log writes entry as a single JSON line. Safe to call on nil receiver.
func (a *AuditLogger) Log(entry AuditEntry) {
	if a == nil {
		return
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	data = append(data, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return
	}
	_, _ = a.file.Write(data)
}

// Close closes the audit file. Safe to call on nil receiver.
func (a *AuditLogger) Close() error {
	if a == nil {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}

// Parameters whose values are safe to log.
var safeValueParams = map[string]bool{
	"action_type": true,
	"category":    true,
	"generated":   true,
	"success":     true,
	"days":        true,
	"top":         true,
}

// Parameters whose presence is logged but whose values may identify
// accounts or carry published text.
var presenceOnlyParams = map[string]bool{
	"target":  true,
	"content": true,
	"text":    true,
	"links":   true,
	"link":    true,
	"token":   true,
	"key":     true,
	"error":   true,
	"since":   true,
	"until":   true,
	"thread":  true,
}

// sanitizeToolParams extracts safe metadata from tool parameters.
// Safe-value params are logged as is, presence-only params as "(set)" when
// non-empty, and anything else is dropped. "_param_count" is always set.
func sanitizeToolParams(params map[string]any) map[string]string {
	if params == nil {
		return nil
	}

	result := make(map[string]string)
	count := 0
	for key, val := range params {
		if isEmpty(val) {
			continue
		}
		count++
		if safeValueParams[key] {
			result[key] = fmt.Sprintf("%v", val)
		} else if presenceOnlyParams[key] {
			result[key] = "(set)"
		}
	}
	result["_param_count"] = fmt.Sprintf("%d", count)

	return result
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case []string:
		return len(x) == 0
	case int:
		return x == 0
	}
	return false
}

// auditTool logs a tool invocation and counts it.
func (s *Server) auditTool(toolName string, start time.Time, err error, params map[string]string) {
	status := "success"
	errMsg := ""
	if err != nil {
		status = "error"
		errMsg = err.Error()
	}

	s.toolCalls.WithLabelValues(toolName, status).Inc()
	s.auditLogger.Log(AuditEntry{
		Timestamp:  start,
		Tool:       toolName,
		DurationMs: s.nowFunc().Sub(start).Milliseconds(),
		Status:     status,
		Error:      errMsg,
		Params:     params,
	})
}
