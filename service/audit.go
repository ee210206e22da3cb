package service

import (
	"context"
	"fmt"
	"time"

	"github.com/docflow/custody/model"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AuditRecorder appends transition entries and fans them out to the users
// who should hear about them. It never rewrites or removes an entry.
type AuditRecorder struct {
	log      AuditLog
	dir      Directory
	notifier Notifier
	metrics  *Metrics
	logger   *zap.Logger
	now      func() time.Time
}

func NewAuditRecorder(log AuditLog, dir Directory, notifier Notifier, metrics *Metrics, logger *zap.Logger) *AuditRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditRecorder{
		log:      log,
		dir:      dir,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger.With(zap.String("service", "audit")),
		now:      time.Now,
	}
}

// Record stamps and appends entry for doc, then notifies recipients.
// Notification failures are logged; only the append can fail the call.
func (r *AuditRecorder) Record(ctx context.Context, doc *model.Document, entry model.AuditEntry) (model.AuditEntry, error) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = r.now().UTC()
	}
	entry.DocumentID = doc.ID

	if err := r.log.Append(ctx, &entry); err != nil {
		return entry, fmt.Errorf("failed to append audit entry: %w", err)
	}

	departments := Recipients(doc, entry)
	for _, dept := range departments {
		users, err := r.dir.ActiveUsers(ctx, dept)
		if err != nil {
			r.logger.Warn("failed to resolve department users",
				zap.String("department", dept),
				zap.Error(err),
			)
			continue
		}
		for _, u := range users {
			r.send(ctx, u.ID, doc, entry)
		}
	}
	return entry, nil
}

// NotifyUsers sends entry to specific users regardless of department
func (r *AuditRecorder) NotifyUsers(ctx context.Context, userIDs []string, doc *model.Document, entry model.AuditEntry) {
	for _, id := range userIDs {
		r.send(ctx, id, doc, entry)
	}
}

func (r *AuditRecorder) send(ctx context.Context, userID string, doc *model.Document, entry model.AuditEntry) {
	if userID == entry.ActorUserID {
		return
	}
	n := Notification{
		Kind:           entry.Event,
		DocumentID:     doc.ID,
		DocumentTitle:  doc.Title,
		FromDepartment: entry.FromDepartment,
		ToDepartment:   entry.ToDepartment,
		ActorUserID:    entry.ActorUserID,
		Status:         entry.Status,
		Remarks:        entry.Remarks,
		OccurredAt:     entry.OccurredAt,
	}
	if err := r.notifier.Notify(ctx, userID, n); err != nil {
		r.logger.Warn("notification failed",
			zap.String("user_id", userID),
			zap.String("document_id", doc.ID),
			zap.Error(err),
		)
		return
	}
	r.metrics.observeNotification(string(entry.Event))
}

// History returns a document's entries in occurrence order
func (r *AuditRecorder) History(ctx context.Context, documentID string) ([]model.AuditEntry, error) {
	return r.log.ListByDocument(ctx, documentID)
}

// Recipients picks the departments to notify for an entry: terminal entries
// reach every department in the chain, dispatch entries reach the origin,
// anything else reaches the destination department.
func Recipients(doc *model.Document, entry model.AuditEntry) []string {
	switch entry.Status {
	case model.StatusCompleted, model.StatusCanceled:
		return append([]string(nil), doc.Ledger.Chain...)
	case model.StatusDispatch:
		if origin := doc.Ledger.Origin(); origin != "" {
			return []string{origin}
		}
		return nil
	default:
		if entry.ToDepartment == "" {
			return nil
		}
		return []string{entry.ToDepartment}
	}
}
