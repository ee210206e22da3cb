package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/docflow/custody/config"
	"github.com/docflow/custody/model"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type documentRow struct {
	ID                 string       `gorm:"primaryKey;type:varchar(64)"`
	Title              string       `gorm:"not null"`
	Classification     string
	Origin             string       `gorm:"type:varchar(64);not null"`
	Status             string       `gorm:"type:varchar(16);index;not null"`
	Chain              model.Chain  `gorm:"type:jsonb"`
	Acknowledged       model.StrSet `gorm:"type:jsonb"`
	SharedWith         model.StrSet `gorm:"type:jsonb"`
	SigningStatus      string       `gorm:"type:varchar(16)"`
	SigningProjectID   string       `gorm:"type:varchar(128);index"`
	SigningTxHash      string
	SigningRedirectURL string
	SigningSignedAt    *time.Time
	SigningSignedBy    string
	SigningLastError   string
	SigningSubmittedBy string
	SigningUpdatedAt   *time.Time
	Version            int64 `gorm:"not null;default:1"`
	CreatedBy          string
	DeletedAt          *time.Time
	DeletedBy          string
	RestoredAt         *time.Time
	RestoredBy         string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (documentRow) TableName() string { return "documents" }

type fileRow struct {
	ID          string `gorm:"primaryKey;type:varchar(64)"`
	DocumentID  string `gorm:"type:varchar(64);index;not null"`
	Name        string
	StoragePath string
	Size        int64
	Checksum    string
	MimeType    string
	IsPrimary   bool
	VersionTag  string
	CreatedAt   time.Time
}

func (fileRow) TableName() string { return "document_files" }

type auditRow struct {
	ID             string `gorm:"primaryKey;type:varchar(64)"`
	DocumentID     string `gorm:"type:varchar(64);index;not null"`
	Event          string `gorm:"type:varchar(16)"`
	FromDepartment string
	ToDepartment   string
	ActorUserID    string
	Status         string
	Action         string
	Remarks        string
	PairedWith     string
	OccurredAt     time.Time `gorm:"index"`
}

func (auditRow) TableName() string { return "audit_entries" }

// GormStore is the postgres-backed DocumentStore and AuditLog
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// OpenGormStore connects to postgres, sizes the pool and migrates the schema
func OpenGormStore(cfg *config.DatabaseConfig, logger *zap.Logger) (*GormStore, error) {
	level := gormlogger.Warn
	if cfg.LogSQL {
		level = gormlogger.Info
	}
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(level),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeSeconds) * time.Second)

	store := NewGormStore(db, logger)
	if err := store.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

func NewGormStore(db *gorm.DB, logger *zap.Logger) *GormStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{db: db, logger: logger.With(zap.String("service", "gorm_store"))}
}

func (s *GormStore) Migrate() error {
	s.logger.Info("running database migrations")
	return s.db.AutoMigrate(&documentRow{}, &fileRow{}, &auditRow{})
}

func (s *GormStore) Create(ctx context.Context, doc *model.Document) error {
	if doc.Version == 0 {
		doc.Version = 1
	}
	row := toDocumentRow(doc)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}
	return nil
}

func (s *GormStore) Get(ctx context.Context, id string) (*model.Document, error) {
	var row documentRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, model.ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load document: %w", err)
	}
	return row.toModel(), nil
}

func (s *GormStore) List(ctx context.Context, filter DocumentFilter) ([]*model.Document, error) {
	q := s.db.WithContext(ctx).Model(&documentRow{})
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	switch {
	case filter.Department != "" && filter.SharedWith != "":
		q = q.Where("chain @> ?::jsonb OR shared_with @> ?::jsonb",
			jsonArray(filter.Department), jsonArray(filter.SharedWith))
	case filter.Department != "":
		q = q.Where("chain @> ?::jsonb", jsonArray(filter.Department))
	case filter.SharedWith != "":
		q = q.Where("shared_with @> ?::jsonb", jsonArray(filter.SharedWith))
	}

	var rows []documentRow
	if err := q.Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	out := make([]*model.Document, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

func jsonArray(id string) string {
	b, _ := model.Chain{id}.MarshalJSON()
	return string(b)
}

// Update writes only when the row still carries the version fn saw
func (s *GormStore) Update(ctx context.Context, id string, fn UpdateFunc) (*model.Document, error) {
	for attempt := 1; attempt <= maxUpdateAttempts; attempt++ {
		current, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		next := current.Clone()
		if err := fn(next); err != nil {
			return nil, err
		}
		next.ID = current.ID
		next.Version = current.Version + 1
		next.UpdatedAt = time.Now()

		row := toDocumentRow(next)
		res := s.db.WithContext(ctx).Model(&documentRow{}).
			Where("id = ? AND version = ?", id, current.Version).
			Select("*").Omit("id", "created_at").
			Updates(&row)
		if res.Error != nil {
			return nil, fmt.Errorf("failed to update document: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			return next, nil
		}
		s.logger.Debug("version conflict, retrying",
			zap.String("document_id", id),
			zap.Int64("version", current.Version),
			zap.Int("attempt", attempt),
		)
	}
	return nil, model.ErrVersionConflict
}

func (s *GormStore) Delete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", id).Delete(&fileRow{}).Error; err != nil {
			return fmt.Errorf("failed to delete files: %w", err)
		}
		res := tx.Where("id = ?", id).Delete(&documentRow{})
		if res.Error != nil {
			return fmt.Errorf("failed to delete document: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return model.ErrDocumentNotFound
		}
		return nil
	})
}

func (s *GormStore) FindByProjectID(ctx context.Context, projectID string) (*model.Document, error) {
	if projectID == "" {
		return nil, model.ErrProjectNotFound
	}
	var row documentRow
	err := s.db.WithContext(ctx).Where("signing_project_id = ?", projectID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, model.ErrProjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find project: %w", err)
	}
	return row.toModel(), nil
}

func (s *GormStore) AddFile(ctx context.Context, file *model.DocumentFile) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if file.IsPrimary {
			if err := tx.Model(&fileRow{}).
				Where("document_id = ?", file.DocumentID).
				Update("is_primary", false).Error; err != nil {
				return err
			}
		}
		row := fileRow{
			ID:          file.ID,
			DocumentID:  file.DocumentID,
			Name:        file.Name,
			StoragePath: file.StoragePath,
			Size:        file.Size,
			Checksum:    file.Checksum,
			MimeType:    file.MimeType,
			IsPrimary:   file.IsPrimary,
			VersionTag:  file.VersionTag,
			CreatedAt:   file.CreatedAt,
		}
		return tx.Create(&row).Error
	})
}

func (s *GormStore) Files(ctx context.Context, documentID string) ([]*model.DocumentFile, error) {
	var rows []fileRow
	if err := s.db.WithContext(ctx).Where("document_id = ?", documentID).
		Order("created_at").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	out := make([]*model.DocumentFile, 0, len(rows))
	for _, r := range rows {
		out = append(out, &model.DocumentFile{
			ID:          r.ID,
			DocumentID:  r.DocumentID,
			Name:        r.Name,
			StoragePath: r.StoragePath,
			Size:        r.Size,
			Checksum:    r.Checksum,
			MimeType:    r.MimeType,
			IsPrimary:   r.IsPrimary,
			VersionTag:  r.VersionTag,
			CreatedAt:   r.CreatedAt,
		})
	}
	return out, nil
}

func (s *GormStore) Append(ctx context.Context, entry *model.AuditEntry) error {
	row := auditRow{
		ID:             entry.ID,
		DocumentID:     entry.DocumentID,
		Event:          string(entry.Event),
		FromDepartment: entry.FromDepartment,
		ToDepartment:   entry.ToDepartment,
		ActorUserID:    entry.ActorUserID,
		Status:         string(entry.Status),
		Action:         entry.Action,
		Remarks:        entry.Remarks,
		PairedWith:     entry.PairedWith,
		OccurredAt:     entry.OccurredAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *GormStore) ListByDocument(ctx context.Context, documentID string) ([]model.AuditEntry, error) {
	var rows []auditRow
	if err := s.db.WithContext(ctx).Where("document_id = ?", documentID).
		Order("occurred_at, id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	out := make([]model.AuditEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.AuditEntry{
			ID:             r.ID,
			DocumentID:     r.DocumentID,
			Event:          model.AuditEvent(r.Event),
			FromDepartment: r.FromDepartment,
			ToDepartment:   r.ToDepartment,
			ActorUserID:    r.ActorUserID,
			Status:         model.DocumentStatus(r.Status),
			Action:         r.Action,
			Remarks:        r.Remarks,
			PairedWith:     r.PairedWith,
			OccurredAt:     r.OccurredAt,
		})
	}
	return out, nil
}

func toDocumentRow(d *model.Document) documentRow {
	sig := d.Ledger.Signing
	return documentRow{
		ID:                 d.ID,
		Title:              d.Title,
		Classification:     d.Classification,
		Origin:             d.Origin,
		Status:             string(d.Status),
		Chain:              d.Ledger.Chain,
		Acknowledged:       d.Ledger.Acknowledged,
		SharedWith:         d.Ledger.SharedWith,
		SigningStatus:      string(sig.Status),
		SigningProjectID:   sig.ProjectID,
		SigningTxHash:      sig.TxHash,
		SigningRedirectURL: sig.RedirectURL,
		SigningSignedAt:    sig.SignedAt,
		SigningSignedBy:    sig.SignedBy,
		SigningLastError:   sig.LastError,
		SigningSubmittedBy: sig.SubmittedBy,
		SigningUpdatedAt:   sig.UpdatedAt,
		Version:            d.Version,
		CreatedBy:          d.CreatedBy,
		DeletedAt:          d.DeletedAt,
		DeletedBy:          d.DeletedBy,
		RestoredAt:         d.RestoredAt,
		RestoredBy:         d.RestoredBy,
		CreatedAt:          d.CreatedAt,
		UpdatedAt:          d.UpdatedAt,
	}
}

func (r *documentRow) toModel() *model.Document {
	status := model.SigningStatus(r.SigningStatus)
	if status == "" {
		status = model.SigningUnsubmitted
	}
	return &model.Document{
		ID:             r.ID,
		Title:          r.Title,
		Classification: r.Classification,
		Origin:         r.Origin,
		Status:         model.DocumentStatus(r.Status),
		Ledger: model.Ledger{
			Chain:        r.Chain,
			Acknowledged: r.Acknowledged,
			SharedWith:   r.SharedWith,
			Signing: model.Signing{
				Status:      status,
				ProjectID:   r.SigningProjectID,
				TxHash:      r.SigningTxHash,
				RedirectURL: r.SigningRedirectURL,
				SignedAt:    r.SigningSignedAt,
				SignedBy:    r.SigningSignedBy,
				LastError:   r.SigningLastError,
				SubmittedBy: r.SigningSubmittedBy,
				UpdatedAt:   r.SigningUpdatedAt,
			},
		},
		Version:    r.Version,
		CreatedBy:  r.CreatedBy,
		DeletedAt:  r.DeletedAt,
		DeletedBy:  r.DeletedBy,
		RestoredAt: r.RestoredAt,
		RestoredBy: r.RestoredBy,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}
