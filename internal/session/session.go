// Package session manages login sessions. Sessions live in the shared store
// under the session: namespace with a sliding 24h expiry: every successful
// read pushes the expiry out again, idle sessions simply disappear.
package session

import (
	"maps"
	"time"
)

// Session is the record stored per session id.
type Session struct {
	ID           string         `json:"sessionId"`
	UserID       string         `json:"userId"`
	CreatedAt    time.Time      `json:"createdAt"`
	LastActivity time.Time      `json:"lastActivity"`
	Data         map[string]any `json:"data,omitempty"` // caller-supplied fields
}

// merge overlays partial onto the session's data.
func (s *Session) merge(partial map[string]any) {
	if len(partial) == 0 {
		return
	}
	if s.Data == nil {
		s.Data = make(map[string]any, len(partial))
	}
	maps.Copy(s.Data, partial)
}
