package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/margin/internal/project"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ErrUnknownFile indicates that an operation referenced a file absent from the project.
var ErrUnknownFile = errors.New("store: unknown file")

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew              = "store.service.new"
	opListFiles               = "store.list_files"
	opUpsertFile              = "store.upsert_file"
	opDeleteFile              = "store.delete_file"
	fieldProject              = "project_id"
	fieldFile                 = "file_id"
	queryProject              = "project_id = ?"
	queryFile                 = "project_id = ? AND file_id = ?"
	defaultDeletionRequestTTL = 10 * time.Minute
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig describes the dependencies of the collection store service.
type ServiceConfig struct {
	Database           *gorm.DB
	Clock              func() time.Time
	IDProvider         project.IDProvider
	Logger             *zap.Logger
	DeletionRequestTTL time.Duration
}

// Service implements the project-scoped collection store the sync clients
// reconcile against: code files, annotations, replies and deletion requests,
// all upsert-by-id with no server-side locking across writers.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider project.IDProvider
	logger     *zap.Logger
	requestTTL time.Duration
}

// NewService validates the configuration and returns a store service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	requestTTL := cfg.DeletionRequestTTL
	if requestTTL <= 0 {
		requestTTL = defaultDeletionRequestTTL
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		requestTTL: requestTTL,
	}, nil
}

// ListFiles returns all code files for a project ordered for display.
func (s *Service) ListFiles(ctx context.Context, projectID project.ProjectID) ([]FileRecord, error) {
	var files []FileRecord
	if err := s.db.WithContext(ctx).
		Where(queryProject, projectID.String()).
		Order("display_order ASC, created_at_s ASC").
		Find(&files).Error; err != nil {
		s.logError(opListFiles, "query_failed", err, zap.String(fieldProject, projectID.String()))
		return nil, newServiceError(opListFiles, "query_failed", err)
	}
	return files, nil
}

// UpsertFileOutcome reports the stored row and whether the write was skipped
// by the staleness guard.
type UpsertFileOutcome struct {
	File    FileRecord
	Skipped bool
}

// UpsertFile inserts or updates a file keyed by its client-generated id. When
// expectedUpdatedAt is provided and the stored row is newer, the write is
// skipped and the current row returned so the caller can re-fetch and rebase.
func (s *Service) UpsertFile(ctx context.Context, record FileRecord, expectedUpdatedAt *int64) (UpsertFileOutcome, error) {
	outcome := UpsertFileOutcome{}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing FileRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryFile, record.ProjectID, record.FileID).
			Take(&existing).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opUpsertFile, "file_select_failed", err)
		}

		now := s.clock().UTC().Unix()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if record.CreatedAtSeconds == 0 {
				record.CreatedAtSeconds = now
			}
			record.UpdatedAtSeconds = now
			if err := tx.Create(&record).Error; err != nil {
				return newServiceError(opUpsertFile, "file_insert_failed", err)
			}
			outcome.File = record
			return nil
		}

		if expectedUpdatedAt != nil && existing.UpdatedAtSeconds > *expectedUpdatedAt {
			outcome.File = existing
			outcome.Skipped = true
			return nil
		}

		existing.Filename = record.Filename
		existing.Language = record.Language
		existing.Content = record.Content
		if record.OriginalContent != "" {
			existing.OriginalContent = record.OriginalContent
		}
		existing.DisplayOrder = record.DisplayOrder
		existing.UpdatedAtSeconds = now
		if err := tx.Save(&existing).Error; err != nil {
			return newServiceError(opUpsertFile, "file_save_failed", err)
		}
		outcome.File = existing
		return nil
	})
	if txErr != nil {
		s.logError(opUpsertFile, "transaction_failed", txErr,
			zap.String(fieldProject, record.ProjectID),
			zap.String(fieldFile, record.FileID))
		return UpsertFileOutcome{}, txErr
	}
	return outcome, nil
}

// DeleteFile removes a file together with its annotations, their replies and
// any outstanding deletion requests. Deleting an absent file is a no-op so the
// call stays safe to retry and safe to race with a concurrent confirm.
func (s *Service) DeleteFile(ctx context.Context, projectID project.ProjectID, fileID project.FileID) error {
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return deleteFileTx(tx, projectID, fileID)
	})
	if txErr != nil {
		s.logError(opDeleteFile, "transaction_failed", txErr,
			zap.String(fieldProject, projectID.String()),
			zap.String(fieldFile, fileID.String()))
		return txErr
	}
	return nil
}

// deleteFileTx cascades a file removal inside an existing transaction.
func deleteFileTx(tx *gorm.DB, projectID project.ProjectID, fileID project.FileID) error {
	var annotationIDs []string
	if err := tx.Model(&AnnotationRecord{}).
		Where("project_id = ? AND file_id = ?", projectID.String(), fileID.String()).
		Pluck("annotation_id", &annotationIDs).Error; err != nil {
		return newServiceError(opDeleteFile, "annotation_lookup_failed", err)
	}
	if len(annotationIDs) > 0 {
		if err := tx.Where("annotation_id IN ?", annotationIDs).
			Delete(&ReplyRecord{}).Error; err != nil {
			return newServiceError(opDeleteFile, "reply_delete_failed", err)
		}
		if err := tx.Where("annotation_id IN ?", annotationIDs).
			Delete(&AnnotationRecord{}).Error; err != nil {
			return newServiceError(opDeleteFile, "annotation_delete_failed", err)
		}
	}
	if err := tx.Where("project_id = ? AND file_id = ?", projectID.String(), fileID.String()).
		Delete(&DeletionRequestRecord{}).Error; err != nil {
		return newServiceError(opDeleteFile, "request_delete_failed", err)
	}
	if err := tx.Where(queryFile, projectID.String(), fileID.String()).
		Delete(&FileRecord{}).Error; err != nil {
		return newServiceError(opDeleteFile, "file_delete_failed", err)
	}
	return nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("store service error", attrs...)
}
