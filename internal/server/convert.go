package server

import (
	"github.com/MarcoPoloResearchLab/margin/internal/project"
	"github.com/MarcoPoloResearchLab/margin/internal/store"
)

func fileFromRecord(record store.FileRecord) project.CodeFile {
	return project.CodeFile{
		ID:               record.FileID,
		ProjectID:        record.ProjectID,
		Filename:         record.Filename,
		Language:         record.Language,
		Content:          record.Content,
		OriginalContent:  record.OriginalContent,
		UploadedBy:       record.UploadedBy,
		DisplayOrder:     record.DisplayOrder,
		CreatedAtSeconds: record.CreatedAtSeconds,
		UpdatedAtSeconds: record.UpdatedAtSeconds,
	}
}

func fileToRecord(file project.CodeFile) store.FileRecord {
	return store.FileRecord{
		FileID:           file.ID,
		ProjectID:        file.ProjectID,
		Filename:         file.Filename,
		Language:         file.Language,
		Content:          file.Content,
		OriginalContent:  file.OriginalContent,
		UploadedBy:       file.UploadedBy,
		DisplayOrder:     file.DisplayOrder,
		CreatedAtSeconds: file.CreatedAtSeconds,
		UpdatedAtSeconds: file.UpdatedAtSeconds,
	}
}

func annotationFromRecord(record store.AnnotationRecord) project.Annotation {
	return project.Annotation{
		ID:               record.AnnotationID,
		FileID:           record.FileID,
		ProjectID:        record.ProjectID,
		AuthorID:         record.AuthorID,
		LineNumber:       record.LineNumber,
		EndLineNumber:    record.EndLineNumber,
		LineContent:      record.LineContent,
		Type:             project.AnnotationType(record.Kind),
		Content:          record.Content,
		CreatedAtSeconds: record.CreatedAtSeconds,
		UpdatedAtSeconds: record.UpdatedAtSeconds,
	}
}

func annotationToRecord(annotation project.Annotation) store.AnnotationRecord {
	return store.AnnotationRecord{
		AnnotationID:     annotation.ID,
		FileID:           annotation.FileID,
		ProjectID:        annotation.ProjectID,
		AuthorID:         annotation.AuthorID,
		LineNumber:       annotation.LineNumber,
		EndLineNumber:    annotation.EndLineNumber,
		LineContent:      annotation.LineContent,
		Kind:             string(annotation.Type),
		Content:          annotation.Content,
		CreatedAtSeconds: annotation.CreatedAtSeconds,
		UpdatedAtSeconds: annotation.UpdatedAtSeconds,
	}
}

func replyFromRecord(record store.ReplyRecord) project.Reply {
	return project.Reply{
		ID:               record.ReplyID,
		AnnotationID:     record.AnnotationID,
		ProjectID:        record.ProjectID,
		AuthorID:         record.AuthorID,
		AuthorLabel:      record.AuthorLabel,
		Content:          record.Content,
		CreatedAtSeconds: record.CreatedAtSeconds,
		UpdatedAtSeconds: record.UpdatedAtSeconds,
	}
}

func replyToRecord(reply project.Reply) store.ReplyRecord {
	return store.ReplyRecord{
		ReplyID:          reply.ID,
		AnnotationID:     reply.AnnotationID,
		ProjectID:        reply.ProjectID,
		AuthorID:         reply.AuthorID,
		AuthorLabel:      reply.AuthorLabel,
		Content:          reply.Content,
		CreatedAtSeconds: reply.CreatedAtSeconds,
		UpdatedAtSeconds: reply.UpdatedAtSeconds,
	}
}

func requestFromRecord(record store.DeletionRequestRecord) project.DeletionRequest {
	return project.DeletionRequest{
		ID:               record.RequestID,
		FileID:           record.FileID,
		ProjectID:        record.ProjectID,
		RequestedBy:      record.RequestedBy,
		Filename:         record.Filename,
		CreatedAtSeconds: record.CreatedAtSeconds,
		ExpiresAtSeconds: record.ExpiresAtSeconds,
	}
}
