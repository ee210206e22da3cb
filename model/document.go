package model

import (
	"time"
)

// DocumentStatus is where a document currently sits in its lifecycle
type DocumentStatus string

// DocumentStatus constants
const (
	StatusDispatch  DocumentStatus = "dispatch"
	StatusInTransit DocumentStatus = "intransit"
	StatusReceived  DocumentStatus = "received"
	StatusCompleted DocumentStatus = "completed"
	StatusCanceled  DocumentStatus = "canceled"
	StatusDeleted   DocumentStatus = "deleted"
)

// Valid reports whether s is a known status
func (s DocumentStatus) Valid() bool {
	switch s {
	case StatusDispatch, StatusInTransit, StatusReceived, StatusCompleted, StatusCanceled, StatusDeleted:
		return true
	}
	return false
}

// Closed reports whether no further routing is allowed from s
func (s DocumentStatus) Closed() bool {
	return s == StatusCompleted || s == StatusCanceled || s == StatusDeleted
}

// Document is a routed record together with its workflow ledger
type Document struct {
	ID             string         `json:"id"`
	Title          string         `json:"title"`
	Classification string         `json:"classification,omitempty"`
	Origin         string         `json:"origin"`
	Status         DocumentStatus `json:"status"`
	Ledger         Ledger         `json:"ledger"`
	Version        int64          `json:"version"`
	CreatedBy      string         `json:"created_by,omitempty"`
	DeletedAt      *time.Time     `json:"deleted_at,omitempty"`
	DeletedBy      string         `json:"deleted_by,omitempty"`
	RestoredAt     *time.Time     `json:"restored_at,omitempty"`
	RestoredBy     string         `json:"restored_by,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate without touching stored state
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := *d
	out.Ledger = d.Ledger.Clone()
	if d.DeletedAt != nil {
		t := *d.DeletedAt
		out.DeletedAt = &t
	}
	if d.RestoredAt != nil {
		t := *d.RestoredAt
		out.RestoredAt = &t
	}
	return &out
}

// DocumentFile references stored bytes for a document
type DocumentFile struct {
	ID          string    `json:"id"`
	DocumentID  string    `json:"document_id"`
	Name        string    `json:"name"`
	StoragePath string    `json:"storage_path"`
	Size        int64     `json:"size"`
	Checksum    string    `json:"checksum"`
	MimeType    string    `json:"mime_type"`
	IsPrimary   bool      `json:"is_primary"`
	VersionTag  string    `json:"version_tag,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Department is a known organizational unit
type Department struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// User is an individual who can act on documents
type User struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	Email      string `json:"email"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	Department string `json:"department"`
	Role       string `json:"role"`
	Active     bool   `json:"active"`
}

// RoleAdmin bypasses custody-chain membership checks
const RoleAdmin = "admin"

// Actor is the authenticated identity performing an operation
type Actor struct {
	UserID     string `json:"user_id"`
	Username   string `json:"username"`
	Department string `json:"department"`
	Role       string `json:"role"`
}

// IsAdmin reports whether the actor holds the admin role
func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}
