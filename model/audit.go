package model

import (
	"strings"
	"time"
)

// AuditEvent names the operation that produced an audit entry
type AuditEvent string

// AuditEvent constants
const (
	EventCreate   AuditEvent = "create"
	EventRelease  AuditEvent = "release"
	EventReceive  AuditEvent = "receive"
	EventComplete AuditEvent = "complete"
	EventCancel   AuditEvent = "cancel"
	EventDelete   AuditEvent = "delete"
	EventRestore  AuditEvent = "restore"
	EventShare    AuditEvent = "share"
	EventSigning  AuditEvent = "signing"
)

// AuditEntry is one immutable transition in a document's history
type AuditEntry struct {
	ID             string         `json:"id"`
	DocumentID     string         `json:"document_id"`
	Event          AuditEvent     `json:"event"`
	FromDepartment string         `json:"from_department,omitempty"`
	ToDepartment   string         `json:"to_department,omitempty"`
	ActorUserID    string         `json:"actor_user_id,omitempty"`
	Status         DocumentStatus `json:"status"`
	Action         string         `json:"action,omitempty"` // release actions, joined for display
	Remarks        string         `json:"remarks,omitempty"`
	PairedWith     string         `json:"paired_with,omitempty"`
	OccurredAt     time.Time      `json:"occurred_at"`
}

// JoinActions renders a batch of release actions for display
func JoinActions(actions []string) string {
	cleaned := make([]string, 0, len(actions))
	for _, a := range actions {
		if a = strings.TrimSpace(a); a != "" {
			cleaned = append(cleaned, a)
		}
	}
	return strings.Join(cleaned, ", ")
}

// UnmatchedRelease finds the most recent release to department that no
// receive entry has claimed yet. entries must be ordered by OccurredAt.
func UnmatchedRelease(entries []AuditEntry, department string) (AuditEntry, bool) {
	claimed := make(map[string]struct{})
	for _, e := range entries {
		if e.Event == EventReceive && e.PairedWith != "" {
			claimed[e.PairedWith] = struct{}{}
		}
	}
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.Event != EventRelease || e.ToDepartment != department {
			continue
		}
		if _, ok := claimed[e.ID]; ok {
			continue
		}
		return e, true
	}
	return AuditEntry{}, false
}
