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
	opCreateDeletionRequest  = "store.create_deletion_request"
	opListDeletionRequests   = "store.list_deletion_requests"
	opResolveDeletionRequest = "store.resolve_deletion_request"
	fieldRequest             = "request_id"
	queryRequest             = "project_id = ? AND request_id = ?"
)

// CreateDeletionRequest registers a two-phase deletion intent for a file. The
// target must still exist; the request expires after the configured TTL.
func (s *Service) CreateDeletionRequest(ctx context.Context, projectID project.ProjectID, fileID project.FileID, filename, requestedBy string) (DeletionRequestRecord, error) {
	var created DeletionRequestRecord
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var fileCount int64
		if err := tx.Model(&FileRecord{}).
			Where(queryFile, projectID.String(), fileID.String()).
			Count(&fileCount).Error; err != nil {
			return newServiceError(opCreateDeletionRequest, "file_lookup_failed", err)
		}
		if fileCount == 0 {
			return newServiceError(opCreateDeletionRequest, "unknown_file",
				fmt.Errorf("%w: %s", ErrUnknownFile, fileID.String()))
		}

		requestID, err := s.idProvider.NewID()
		if err != nil {
			return newServiceError(opCreateDeletionRequest, "id_generation_failed", err)
		}

		now := s.clock().UTC()
		created = DeletionRequestRecord{
			RequestID:        requestID,
			FileID:           fileID.String(),
			ProjectID:        projectID.String(),
			RequestedBy:      requestedBy,
			Filename:         filename,
			CreatedAtSeconds: now.Unix(),
			ExpiresAtSeconds: now.Add(s.requestTTL).Unix(),
		}
		if err := tx.Create(&created).Error; err != nil {
			return newServiceError(opCreateDeletionRequest, "request_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opCreateDeletionRequest, "transaction_failed", txErr,
			zap.String(fieldProject, projectID.String()),
			zap.String(fieldFile, fileID.String()))
		return DeletionRequestRecord{}, txErr
	}
	return created, nil
}

// ListDeletionRequests sweeps expired requests for the project and returns the
// outstanding ones. Expiry resolves a request the same way a reject does: the
// record disappears and the file stays untouched.
func (s *Service) ListDeletionRequests(ctx context.Context, projectID project.ProjectID) ([]DeletionRequestRecord, error) {
	now := s.clock().UTC().Unix()
	if err := s.db.WithContext(ctx).
		Where("project_id = ? AND expires_at_s <= ?", projectID.String(), now).
		Delete(&DeletionRequestRecord{}).Error; err != nil {
		s.logError(opListDeletionRequests, "expiry_sweep_failed", err, zap.String(fieldProject, projectID.String()))
		return nil, newServiceError(opListDeletionRequests, "expiry_sweep_failed", err)
	}

	var requests []DeletionRequestRecord
	if err := s.db.WithContext(ctx).
		Where(queryProject, projectID.String()).
		Order("created_at_s ASC").
		Find(&requests).Error; err != nil {
		s.logError(opListDeletionRequests, "query_failed", err, zap.String(fieldProject, projectID.String()))
		return nil, newServiceError(opListDeletionRequests, "query_failed", err)
	}
	return requests, nil
}

// ResolveOutcome reports what a resolution actually did.
type ResolveOutcome struct {
	RequestFound bool
	FileDeleted  bool
}

// ResolveDeletionRequest settles a pending deletion. Confirm removes the file
// (no-oping when another member already deleted it) and the request; reject
// removes only the request. Resolving an unknown or already-settled request is
// itself a no-op so concurrent resolvers cannot fail each other.
func (s *Service) ResolveDeletionRequest(ctx context.Context, projectID project.ProjectID, requestID string, resolution project.Resolution) (ResolveOutcome, error) {
	outcome := ResolveOutcome{}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var request DeletionRequestRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryRequest, projectID.String(), requestID).
			Take(&request).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return newServiceError(opResolveDeletionRequest, "request_select_failed", err)
		}
		outcome.RequestFound = true

		if err := tx.Where(queryRequest, projectID.String(), requestID).
			Delete(&DeletionRequestRecord{}).Error; err != nil {
			return newServiceError(opResolveDeletionRequest, "request_delete_failed", err)
		}

		if resolution != project.ResolutionConfirm {
			return nil
		}

		fileID, err := project.NewFileID(request.FileID)
		if err != nil {
			return newServiceError(opResolveDeletionRequest, "file_id_invalid", err)
		}
		var fileCount int64
		if err := tx.Model(&FileRecord{}).
			Where(queryFile, projectID.String(), fileID.String()).
			Count(&fileCount).Error; err != nil {
			return newServiceError(opResolveDeletionRequest, "file_lookup_failed", err)
		}
		if fileCount == 0 {
			return nil
		}
		if err := deleteFileTx(tx, projectID, fileID); err != nil {
			return err
		}
		outcome.FileDeleted = true
		return nil
	})
	if txErr != nil {
		s.logError(opResolveDeletionRequest, "transaction_failed", txErr,
			zap.String(fieldProject, projectID.String()),
			zap.String(fieldRequest, requestID))
		return ResolveOutcome{}, txErr
	}
	return outcome, nil
}
