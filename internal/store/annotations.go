package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/margin/internal/project"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opListAnnotations  = "store.list_annotations"
	opUpsertAnnotation = "store.upsert_annotation"
	opDeleteAnnotation = "store.delete_annotation"
	opListReplies      = "store.list_replies"
	opUpsertReply      = "store.upsert_reply"
	opDeleteReply      = "store.delete_reply"
	fieldAnnotation    = "annotation_id"
	queryAnnotation    = "project_id = ? AND annotation_id = ?"
	queryProjectFiles  = "project_id = ? AND file_id IN ?"
)

// ListAnnotations returns the annotations attached to the given files.
func (s *Service) ListAnnotations(ctx context.Context, projectID project.ProjectID, fileIDs []string) ([]AnnotationRecord, error) {
	if len(fileIDs) == 0 {
		return nil, nil
	}
	var annotations []AnnotationRecord
	if err := s.db.WithContext(ctx).
		Where(queryProjectFiles, projectID.String(), fileIDs).
		Order("created_at_s ASC").
		Find(&annotations).Error; err != nil {
		s.logError(opListAnnotations, "query_failed", err, zap.String(fieldProject, projectID.String()))
		return nil, newServiceError(opListAnnotations, "query_failed", err)
	}
	return annotations, nil
}

// UpsertAnnotation inserts or updates an annotation keyed by its
// client-generated id. A brand-new annotation must reference a file that is
// present in the project; updates to an existing annotation are accepted even
// after the file check can no longer be judged from the client's view.
func (s *Service) UpsertAnnotation(ctx context.Context, record AnnotationRecord) (AnnotationRecord, error) {
	var stored AnnotationRecord
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing AnnotationRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryAnnotation, record.ProjectID, record.AnnotationID).
			Take(&existing).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opUpsertAnnotation, "annotation_select_failed", err)
		}

		now := s.clock().UTC().Unix()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			var fileCount int64
			if err := tx.Model(&FileRecord{}).
				Where(queryFile, record.ProjectID, record.FileID).
				Count(&fileCount).Error; err != nil {
				return newServiceError(opUpsertAnnotation, "file_lookup_failed", err)
			}
			if fileCount == 0 {
				return newServiceError(opUpsertAnnotation, "unknown_file",
					fmt.Errorf("%w: %s", ErrUnknownFile, record.FileID))
			}
			if record.CreatedAtSeconds == 0 {
				record.CreatedAtSeconds = now
			}
			record.UpdatedAtSeconds = now
			if err := tx.Create(&record).Error; err != nil {
				return newServiceError(opUpsertAnnotation, "annotation_insert_failed", err)
			}
			stored = record
			return nil
		}

		existing.LineNumber = record.LineNumber
		existing.EndLineNumber = record.EndLineNumber
		existing.LineContent = record.LineContent
		existing.Kind = record.Kind
		existing.Content = record.Content
		existing.UpdatedAtSeconds = now
		if err := tx.Save(&existing).Error; err != nil {
			return newServiceError(opUpsertAnnotation, "annotation_save_failed", err)
		}
		stored = existing
		return nil
	})
	if txErr != nil {
		s.logError(opUpsertAnnotation, "transaction_failed", txErr,
			zap.String(fieldProject, record.ProjectID),
			zap.String(fieldAnnotation, record.AnnotationID))
		return AnnotationRecord{}, txErr
	}
	return stored, nil
}

// DeleteAnnotation removes an annotation and its replies. Absent ids no-op.
func (s *Service) DeleteAnnotation(ctx context.Context, projectID project.ProjectID, annotationID string) error {
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("annotation_id = ?", annotationID).
			Delete(&ReplyRecord{}).Error; err != nil {
			return newServiceError(opDeleteAnnotation, "reply_delete_failed", err)
		}
		if err := tx.Where(queryAnnotation, projectID.String(), annotationID).
			Delete(&AnnotationRecord{}).Error; err != nil {
			return newServiceError(opDeleteAnnotation, "annotation_delete_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opDeleteAnnotation, "transaction_failed", txErr,
			zap.String(fieldProject, projectID.String()),
			zap.String(fieldAnnotation, annotationID))
		return txErr
	}
	return nil
}

// ListReplies returns the replies under annotations attached to the given files.
func (s *Service) ListReplies(ctx context.Context, projectID project.ProjectID, fileIDs []string) ([]ReplyRecord, error) {
	if len(fileIDs) == 0 {
		return nil, nil
	}
	var annotationIDs []string
	if err := s.db.WithContext(ctx).Model(&AnnotationRecord{}).
		Where(queryProjectFiles, projectID.String(), fileIDs).
		Pluck("annotation_id", &annotationIDs).Error; err != nil {
		s.logError(opListReplies, "annotation_lookup_failed", err, zap.String(fieldProject, projectID.String()))
		return nil, newServiceError(opListReplies, "annotation_lookup_failed", err)
	}
	if len(annotationIDs) == 0 {
		return nil, nil
	}
	var replies []ReplyRecord
	if err := s.db.WithContext(ctx).
		Where("project_id = ? AND annotation_id IN ?", projectID.String(), annotationIDs).
		Order("created_at_s ASC").
		Find(&replies).Error; err != nil {
		s.logError(opListReplies, "query_failed", err, zap.String(fieldProject, projectID.String()))
		return nil, newServiceError(opListReplies, "query_failed", err)
	}
	return replies, nil
}

// UpsertReply inserts or updates a reply keyed by its client-generated id.
func (s *Service) UpsertReply(ctx context.Context, record ReplyRecord) (ReplyRecord, error) {
	var stored ReplyRecord
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing ReplyRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("project_id = ? AND reply_id = ?", record.ProjectID, record.ReplyID).
			Take(&existing).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opUpsertReply, "reply_select_failed", err)
		}

		now := s.clock().UTC().Unix()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			var annotationCount int64
			if err := tx.Model(&AnnotationRecord{}).
				Where(queryAnnotation, record.ProjectID, record.AnnotationID).
				Count(&annotationCount).Error; err != nil {
				return newServiceError(opUpsertReply, "annotation_lookup_failed", err)
			}
			if annotationCount == 0 {
				return newServiceError(opUpsertReply, "unknown_annotation",
					fmt.Errorf("store: unknown annotation %s", record.AnnotationID))
			}
			if record.CreatedAtSeconds == 0 {
				record.CreatedAtSeconds = now
			}
			record.UpdatedAtSeconds = now
			if err := tx.Create(&record).Error; err != nil {
				return newServiceError(opUpsertReply, "reply_insert_failed", err)
			}
			stored = record
			return nil
		}

		// Replies are append-only: a duplicate push keeps the stored content.
		stored = existing
		return nil
	})
	if txErr != nil {
		s.logError(opUpsertReply, "transaction_failed", txErr,
			zap.String(fieldProject, record.ProjectID),
			zap.String(fieldAnnotation, record.AnnotationID))
		return ReplyRecord{}, txErr
	}
	return stored, nil
}

// DeleteReply removes a reply. Absent ids no-op.
func (s *Service) DeleteReply(ctx context.Context, projectID project.ProjectID, replyID string) error {
	if err := s.db.WithContext(ctx).
		Where("project_id = ? AND reply_id = ?", projectID.String(), replyID).
		Delete(&ReplyRecord{}).Error; err != nil {
		s.logError(opDeleteReply, "reply_delete_failed", err, zap.String(fieldProject, projectID.String()))
		return newServiceError(opDeleteReply, "reply_delete_failed", err)
	}
	return nil
}
