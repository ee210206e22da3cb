package service

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/docflow/custody/model"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RoutingService is the custody state machine: it moves documents between
// departments and records every transition.
type RoutingService struct {
	store   DocumentStore
	audit   *AuditRecorder
	dir     Directory
	files   FileStorage
	events  EventSink
	metrics *Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// RoutingDeps are the collaborators a RoutingService needs
type RoutingDeps struct {
	Store   DocumentStore
	Audit   *AuditRecorder
	Dir     Directory
	Files   FileStorage
	Events  EventSink
	Metrics *Metrics
	Logger  *zap.Logger
}

func NewRoutingService(deps RoutingDeps) *RoutingService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	events := deps.Events
	if events == nil {
		events = NopEventSink{}
	}
	return &RoutingService{
		store:   deps.Store,
		audit:   deps.Audit,
		dir:     deps.Dir,
		files:   deps.Files,
		events:  events,
		metrics: deps.Metrics,
		logger:  logger.With(zap.String("service", "routing")),
		now:     time.Now,
	}
}

// Upload is a file supplied alongside a document
type Upload struct {
	Name     string
	Reader   io.Reader
	Size     int64
	MimeType string
}

// CreateInput describes a new document
type CreateInput struct {
	Title          string
	Classification string
	Origin         string // defaults to the actor's department
	File           *Upload
}

// ReleaseInput describes a hand-off to another department
type ReleaseInput struct {
	DocumentID     string
	FromDepartment string // defaults to the actor's department
	ToDepartment   string
	Actions        []string
	Remarks        string
}

// PurgeResult reports the outcome of a bulk purge per document
type PurgeResult struct {
	Purged []string          `json:"purged"`
	Failed map[string]string `json:"failed,omitempty"`
}

// Create registers a document whose chain holds only its origin
func (s *RoutingService) Create(ctx context.Context, actor model.Actor, in CreateInput) (*model.Document, error) {
	doc, err := s.create(ctx, actor, in)
	s.metrics.observeTransition("create", err)
	return doc, err
}

func (s *RoutingService) create(ctx context.Context, actor model.Actor, in CreateInput) (*model.Document, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, model.Validation("title", "is required")
	}
	origin := strings.TrimSpace(in.Origin)
	if origin == "" {
		origin = actor.Department
	}
	if origin == "" {
		return nil, model.Validation("origin", "is required")
	}
	if _, err := s.dir.Department(ctx, origin); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	doc := &model.Document{
		ID:             uuid.New().String(),
		Title:          title,
		Classification: strings.TrimSpace(in.Classification),
		Origin:         origin,
		Status:         model.StatusDispatch,
		Ledger:         model.NewLedger(origin),
		CreatedBy:      actor.UserID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Create(ctx, doc); err != nil {
		return nil, err
	}

	if in.File != nil {
		if _, err := s.attach(ctx, doc, *in.File, true); err != nil {
			s.logger.Error("failed to store initial file",
				zap.String("document_id", doc.ID),
				zap.Error(err),
			)
			// a document is only created together with its create entry
			if derr := s.store.Delete(context.WithoutCancel(ctx), doc.ID); derr != nil {
				s.logger.Error("failed to roll back document",
					zap.String("document_id", doc.ID),
					zap.Error(derr),
				)
			}
			return nil, err
		}
	}

	entry := model.AuditEntry{
		Event:        model.EventCreate,
		ToDepartment: origin,
		ActorUserID:  actor.UserID,
		Status:       model.StatusDispatch,
	}
	if _, err := s.audit.Record(ctx, doc, entry); err != nil {
		return doc, err
	}
	s.emit(ctx, EventDocumentUpdated, doc)

	s.logger.Info("document created",
		zap.String("document_id", doc.ID),
		zap.String("origin", origin),
		zap.String("actor", actor.UserID),
	)
	return doc, nil
}

// AttachFile stores bytes for a document. The newest primary file is the one
// handed to the signing provider.
func (s *RoutingService) AttachFile(ctx context.Context, actor model.Actor, documentID string, up Upload, primary bool) (*model.DocumentFile, error) {
	doc, err := s.store.Get(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc.Status == model.StatusDeleted {
		return nil, model.ErrDocumentClosed.WithMessage("document %s is in the recycle bin", documentID)
	}
	return s.attach(ctx, doc, up, primary)
}

func (s *RoutingService) attach(ctx context.Context, doc *model.Document, up Upload, primary bool) (*model.DocumentFile, error) {
	name := path.Base(strings.TrimSpace(up.Name))
	if name == "" || name == "." || name == "/" {
		return nil, model.Validation("file", "name is required")
	}
	if s.files == nil {
		return nil, model.NewError(model.KindStorageUnavailable, "StorageUnavailable", "no file storage configured")
	}

	fileID := uuid.New().String()
	objectName := fmt.Sprintf("%s/%s/%s", doc.ID, fileID, name)
	stored, err := s.files.Put(ctx, objectName, up.Reader, up.Size, up.MimeType)
	if err != nil {
		return nil, model.NewError(model.KindStorageUnavailable, "StorageUnavailable", err.Error())
	}

	file := &model.DocumentFile{
		ID:          fileID,
		DocumentID:  doc.ID,
		Name:        name,
		StoragePath: stored.Path,
		Size:        stored.Size,
		Checksum:    stored.Checksum,
		MimeType:    up.MimeType,
		IsPrimary:   primary,
		VersionTag:  s.now().UTC().Format("20060102T150405Z"),
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.AddFile(ctx, file); err != nil {
		if rerr := s.files.Remove(context.WithoutCancel(ctx), stored.Path); rerr != nil {
			s.logger.Warn("failed to remove unreferenced object",
				zap.String("path", stored.Path),
				zap.Error(rerr),
			)
		}
		return nil, err
	}
	return file, nil
}

func (s *RoutingService) Get(ctx context.Context, id string) (*model.Document, error) {
	return s.store.Get(ctx, id)
}

func (s *RoutingService) List(ctx context.Context, filter DocumentFilter) ([]*model.Document, error) {
	return s.store.List(ctx, filter)
}

// RecycleBin lists soft-deleted documents
func (s *RoutingService) RecycleBin(ctx context.Context, filter DocumentFilter) ([]*model.Document, error) {
	filter.Status = model.StatusDeleted
	return s.store.List(ctx, filter)
}

func (s *RoutingService) Files(ctx context.Context, documentID string) ([]*model.DocumentFile, error) {
	if _, err := s.store.Get(ctx, documentID); err != nil {
		return nil, err
	}
	return s.store.Files(ctx, documentID)
}

// Audit returns the document's history. Entries outlive a purge.
func (s *RoutingService) Audit(ctx context.Context, documentID string) ([]model.AuditEntry, error) {
	return s.audit.History(ctx, documentID)
}

// Release hands the document to another department. The destination joins
// the chain only if it is not already there; the audit entry is written
// either way.
func (s *RoutingService) Release(ctx context.Context, actor model.Actor, in ReleaseInput) (*model.Document, error) {
	to := strings.TrimSpace(in.ToDepartment)
	if to == "" {
		err := model.Validation("to_department", "is required")
		s.metrics.observeTransition("release", err)
		return nil, err
	}
	if _, err := s.dir.Department(ctx, to); err != nil {
		s.metrics.observeTransition("release", err)
		return nil, err
	}
	from := strings.TrimSpace(in.FromDepartment)
	if from == "" {
		from = actor.Department
	}
	if err := actingFor(actor, "release", from); err != nil {
		s.metrics.observeTransition("release", err)
		return nil, err
	}

	var grew bool
	doc, err := s.transition(ctx, "release", in.DocumentID,
		func(doc *model.Document) error {
			if doc.Status.Closed() {
				return model.ErrDocumentClosed.WithMessage("document %s is %s", doc.ID, doc.Status)
			}
			doc.Ledger.Chain, grew = doc.Ledger.Chain.Append(to)
			doc.Status = model.StatusInTransit
			return nil
		},
		func(doc *model.Document) model.AuditEntry {
			return model.AuditEntry{
				Event:          model.EventRelease,
				FromDepartment: from,
				ToDepartment:   to,
				ActorUserID:    actor.UserID,
				Status:         model.StatusInTransit,
				Action:         model.JoinActions(in.Actions),
				Remarks:        strings.TrimSpace(in.Remarks),
			}
		},
		EventDocumentReleased,
	)
	if err == nil {
		s.logger.Info("document released",
			zap.String("document_id", doc.ID),
			zap.String("from", from),
			zap.String("to", to),
			zap.Bool("chain_grew", grew),
		)
	}
	return doc, err
}

// Receive acknowledges receipt by a department already on the chain
func (s *RoutingService) Receive(ctx context.Context, actor model.Actor, documentID, department string) (*model.Document, error) {
	department = strings.TrimSpace(department)
	if department == "" {
		department = actor.Department
	}
	if department == "" {
		err := model.Validation("department", "is required")
		s.metrics.observeTransition("receive", err)
		return nil, err
	}
	if err := actingFor(actor, "receive", department); err != nil {
		s.metrics.observeTransition("receive", err)
		return nil, err
	}

	return s.transition(ctx, "receive", documentID,
		func(doc *model.Document) error {
			if err := doc.Ledger.Acknowledge(department); err != nil {
				return err
			}
			if doc.Status.Closed() {
				return model.ErrDocumentClosed.WithMessage("document %s is %s", doc.ID, doc.Status)
			}
			doc.Status = model.StatusReceived
			return nil
		},
		func(doc *model.Document) model.AuditEntry {
			entry := model.AuditEntry{
				Event:        model.EventReceive,
				ToDepartment: department,
				ActorUserID:  actor.UserID,
				Status:       model.StatusReceived,
			}
			history, err := s.audit.History(ctx, doc.ID)
			if err != nil {
				s.logger.Warn("receive pairing skipped", zap.String("document_id", doc.ID), zap.Error(err))
				return entry
			}
			if release, ok := model.UnmatchedRelease(history, department); ok {
				entry.PairedWith = release.ID
				entry.FromDepartment = release.FromDepartment
				entry.Action = release.Action
			}
			return entry
		},
		EventDocumentUpdated,
	)
}

// Complete closes the document successfully
func (s *RoutingService) Complete(ctx context.Context, actor model.Actor, documentID, remarks string) (*model.Document, error) {
	return s.terminate(ctx, actor, "complete", documentID, model.StatusCompleted, model.EventComplete, remarks, EventDocumentCompleted)
}

// Cancel abandons the document
func (s *RoutingService) Cancel(ctx context.Context, actor model.Actor, documentID, remarks string) (*model.Document, error) {
	return s.terminate(ctx, actor, "cancel", documentID, model.StatusCanceled, model.EventCancel, remarks, EventDocumentUpdated)
}

func (s *RoutingService) terminate(ctx context.Context, actor model.Actor, op, documentID string, status model.DocumentStatus, event model.AuditEvent, remarks, emit string) (*model.Document, error) {
	return s.transition(ctx, op, documentID,
		func(doc *model.Document) error {
			if doc.Status.Closed() {
				return model.ErrAlreadyTerminal.WithMessage("document %s is already %s", doc.ID, doc.Status)
			}
			doc.Status = status
			return nil
		},
		func(doc *model.Document) model.AuditEntry {
			return model.AuditEntry{
				Event:          event,
				FromDepartment: actor.Department,
				ActorUserID:    actor.UserID,
				Status:         status,
				Remarks:        strings.TrimSpace(remarks),
			}
		},
		emit,
	)
}

// Delete moves the document to the recycle bin
func (s *RoutingService) Delete(ctx context.Context, actor model.Actor, documentID string) (*model.Document, error) {
	return s.transition(ctx, "delete", documentID,
		func(doc *model.Document) error {
			if doc.Status == model.StatusDeleted {
				return model.ErrAlreadyDeleted
			}
			now := s.now().UTC()
			doc.Status = model.StatusDeleted
			doc.DeletedAt = &now
			doc.DeletedBy = actor.UserID
			doc.RestoredAt = nil
			doc.RestoredBy = ""
			return nil
		},
		func(doc *model.Document) model.AuditEntry {
			return model.AuditEntry{
				Event:          model.EventDelete,
				FromDepartment: actor.Department,
				ActorUserID:    actor.UserID,
				Status:         model.StatusDeleted,
			}
		},
		EventDocumentUpdated,
	)
}

// Restore brings a deleted document back to dispatch. The deletion stamps
// stay as history.
func (s *RoutingService) Restore(ctx context.Context, actor model.Actor, documentID string) (*model.Document, error) {
	return s.transition(ctx, "restore", documentID,
		func(doc *model.Document) error {
			if doc.Status != model.StatusDeleted {
				return model.ErrNotDeleted
			}
			now := s.now().UTC()
			doc.Status = model.StatusDispatch
			doc.RestoredAt = &now
			doc.RestoredBy = actor.UserID
			return nil
		},
		func(doc *model.Document) model.AuditEntry {
			return model.AuditEntry{
				Event:          model.EventRestore,
				FromDepartment: actor.Department,
				ToDepartment:   doc.Ledger.Origin(),
				ActorUserID:    actor.UserID,
				Status:         model.StatusDispatch,
			}
		},
		EventDocumentRestored,
	)
}

// Share grants individual users direct access outside the chain
func (s *RoutingService) Share(ctx context.Context, actor model.Actor, documentID string, userIDs []string) (*model.Document, error) {
	var ids model.StrSet
	for _, id := range userIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = ids.Add(id)
		}
	}
	if len(ids) == 0 {
		err := model.Validation("user_ids", "at least one user is required")
		s.metrics.observeTransition("share", err)
		return nil, err
	}
	for _, id := range ids {
		if _, err := s.dir.User(ctx, id); err != nil {
			s.metrics.observeTransition("share", err)
			return nil, err
		}
	}

	doc, err := s.transition(ctx, "share", documentID,
		func(doc *model.Document) error {
			if doc.Status == model.StatusDeleted {
				return model.ErrDocumentClosed.WithMessage("document %s is in the recycle bin", doc.ID)
			}
			for _, id := range ids {
				doc.Ledger.SharedWith = doc.Ledger.SharedWith.Add(id)
			}
			return nil
		},
		func(doc *model.Document) model.AuditEntry {
			return model.AuditEntry{
				Event:          model.EventShare,
				FromDepartment: actor.Department,
				ActorUserID:    actor.UserID,
				Status:         doc.Status,
				Remarks:        "shared with " + strings.Join(ids, ", "),
			}
		},
		EventDocumentShared,
	)
	if err != nil {
		return nil, err
	}

	s.audit.NotifyUsers(ctx, ids, doc, model.AuditEntry{
		Event:       model.EventShare,
		DocumentID:  doc.ID,
		ActorUserID: actor.UserID,
		Status:      doc.Status,
		OccurredAt:  s.now().UTC(),
	})
	return doc, nil
}

// BulkPurge permanently removes deleted documents: stored bytes first, then
// the document row. Documents that are not in the recycle bin are skipped
// and reported. Audit entries are kept.
func (s *RoutingService) BulkPurge(ctx context.Context, actor model.Actor, documentIDs []string) (*PurgeResult, error) {
	if len(documentIDs) == 0 {
		return nil, model.Validation("document_ids", "at least one document is required")
	}

	result := &PurgeResult{Purged: []string{}, Failed: map[string]string{}}
	for _, id := range documentIDs {
		err := s.purge(ctx, id)
		s.metrics.observeTransition("purge", err)
		if err != nil {
			result.Failed[id] = err.Error()
			continue
		}
		result.Purged = append(result.Purged, id)
		s.logger.Info("document purged", zap.String("document_id", id), zap.String("actor", actor.UserID))
	}
	return result, nil
}

func (s *RoutingService) purge(ctx context.Context, id string) error {
	doc, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if doc.Status != model.StatusDeleted {
		return model.ErrNotDeleted
	}

	files, err := s.store.Files(ctx, id)
	if err != nil {
		return err
	}
	if s.files != nil {
		for _, f := range files {
			if err := s.files.Remove(ctx, f.StoragePath); err != nil {
				return model.NewError(model.KindStorageUnavailable, "StorageUnavailable", err.Error())
			}
		}
	}
	return s.store.Delete(ctx, id)
}

// transition runs one guarded read-modify-write, then records and broadcasts it
func (s *RoutingService) transition(
	ctx context.Context,
	op, documentID string,
	mutate UpdateFunc,
	entry func(doc *model.Document) model.AuditEntry,
	event string,
) (*model.Document, error) {
	doc, err := s.store.Update(ctx, documentID, mutate)
	s.metrics.observeTransition(op, err)
	if err != nil {
		return nil, err
	}

	if _, err := s.audit.Record(ctx, doc, entry(doc)); err != nil {
		s.logger.Error("transition committed without audit entry",
			zap.String("operation", op),
			zap.String("document_id", doc.ID),
			zap.Error(err),
		)
		return doc, err
	}
	s.emit(ctx, event, doc)
	return doc, nil
}

// actingFor keeps a department's custody steps with that department's own
// users. Admins may act for any department.
func actingFor(actor model.Actor, op, department string) error {
	if actor.IsAdmin() || department == actor.Department {
		return nil
	}
	return model.ErrPermissionDenied.WithMessage("%s may not %s on behalf of %s", actor.Username, op, department)
}

func (s *RoutingService) emit(ctx context.Context, event string, doc *model.Document) {
	payload := map[string]any{
		"document_id": doc.ID,
		"title":       doc.Title,
		"status":      doc.Status,
		"chain":       doc.Ledger.Chain,
		"version":     doc.Version,
	}
	if err := s.events.Emit(ctx, event, payload); err != nil {
		s.logger.Warn("event emit failed", zap.String("event", event), zap.Error(err))
		return
	}
	s.metrics.observeEvent(event)
}
