package project

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidProjectID indicates that a project identifier is empty or exceeds storage bounds.
	ErrInvalidProjectID = errors.New("project: invalid project id")
	// ErrInvalidFileID indicates that a code file identifier is empty or exceeds storage bounds.
	ErrInvalidFileID = errors.New("project: invalid file id")
	// ErrInvalidAnnotationType indicates that an annotation type is not part of the fixed enum.
	ErrInvalidAnnotationType = errors.New("project: invalid annotation type")
	// ErrInvalidResolution indicates that a deletion request resolution is unknown.
	ErrInvalidResolution = errors.New("project: invalid deletion resolution")
)

// ProjectID represents a validated project identifier.
type ProjectID string

// NewProjectID validates raw input and returns a ProjectID.
func NewProjectID(rawInput string) (ProjectID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidProjectID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidProjectID, maxIdentifierLength)
	}
	return ProjectID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ProjectID) String() string {
	return string(id)
}

// FileID represents a validated code file identifier.
type FileID string

// NewFileID validates raw input and returns a FileID.
func NewFileID(rawInput string) (FileID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidFileID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidFileID, maxIdentifierLength)
	}
	return FileID(trimmed), nil
}

// String returns the underlying string identifier.
func (id FileID) String() string {
	return string(id)
}

// AnnotationType enumerates the fixed set of annotation kinds.
type AnnotationType string

const (
	AnnotationTypeObservation AnnotationType = "observation"
	AnnotationTypeQuestion    AnnotationType = "question"
	AnnotationTypeMetaphor    AnnotationType = "metaphor"
	AnnotationTypePattern     AnnotationType = "pattern"
	AnnotationTypeContext     AnnotationType = "context"
	AnnotationTypeCritique    AnnotationType = "critique"
)

// ParseAnnotationType validates raw input against the annotation type enum.
func ParseAnnotationType(rawInput string) (AnnotationType, error) {
	switch AnnotationType(strings.ToLower(strings.TrimSpace(rawInput))) {
	case AnnotationTypeObservation:
		return AnnotationTypeObservation, nil
	case AnnotationTypeQuestion:
		return AnnotationTypeQuestion, nil
	case AnnotationTypeMetaphor:
		return AnnotationTypeMetaphor, nil
	case AnnotationTypePattern:
		return AnnotationTypePattern, nil
	case AnnotationTypeContext:
		return AnnotationTypeContext, nil
	case AnnotationTypeCritique:
		return AnnotationTypeCritique, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAnnotationType, rawInput)
	}
}

// Resolution enumerates the outcomes a deletion request can be resolved with.
type Resolution string

const (
	// ResolutionConfirm executes the requested deletion.
	ResolutionConfirm Resolution = "confirm"
	// ResolutionReject cancels the request and leaves the file untouched.
	ResolutionReject Resolution = "reject"
)

// ParseResolution validates raw input against the resolution enum.
func ParseResolution(rawInput string) (Resolution, error) {
	switch Resolution(strings.ToLower(strings.TrimSpace(rawInput))) {
	case ResolutionConfirm:
		return ResolutionConfirm, nil
	case ResolutionReject:
		return ResolutionReject, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidResolution, rawInput)
	}
}

// Annotation is a line-anchored note attached to one code file. Its identifier
// is assigned by the creating client, which makes pushes idempotent upserts.
type Annotation struct {
	ID               string         `json:"id"`
	FileID           string         `json:"file_id"`
	ProjectID        string         `json:"project_id"`
	AuthorID         string         `json:"author_id,omitempty"`
	LineNumber       int            `json:"line_number"`
	EndLineNumber    int            `json:"end_line_number,omitempty"`
	LineContent      string         `json:"line_content,omitempty"`
	Type             AnnotationType `json:"type"`
	Content          string         `json:"content"`
	CreatedAtSeconds int64          `json:"created_at_s"`
	UpdatedAtSeconds int64          `json:"updated_at_s"`
}

// Reply is a threaded child of exactly one annotation. Author display
// attributes are denormalized at creation time; the author's profile may
// change later without rewriting stored replies.
type Reply struct {
	ID               string `json:"id"`
	AnnotationID     string `json:"annotation_id"`
	ProjectID        string `json:"project_id"`
	AuthorID         string `json:"author_id,omitempty"`
	AuthorLabel      string `json:"author_label,omitempty"`
	Content          string `json:"content"`
	CreatedAtSeconds int64  `json:"created_at_s"`
	UpdatedAtSeconds int64  `json:"updated_at_s"`
}

// CodeFile is a named content blob owned by a project. OriginalContent keeps
// the upload-time value so a client can revert local edits.
type CodeFile struct {
	ID               string `json:"id"`
	ProjectID        string `json:"project_id"`
	Filename         string `json:"filename"`
	Language         string `json:"language,omitempty"`
	Content          string `json:"content"`
	OriginalContent  string `json:"original_content,omitempty"`
	UploadedBy       string `json:"uploaded_by,omitempty"`
	DisplayOrder     int    `json:"display_order"`
	CreatedAtSeconds int64  `json:"created_at_s"`
	UpdatedAtSeconds int64  `json:"updated_at_s"`
}

// DeletionRequest is a two-phase intent to remove a code file: created by one
// member, resolved by any other member via confirm or reject, and ignored once
// its expiry has elapsed.
type DeletionRequest struct {
	ID               string `json:"id"`
	FileID           string `json:"file_id"`
	ProjectID        string `json:"project_id"`
	RequestedBy      string `json:"requested_by,omitempty"`
	Filename         string `json:"filename"`
	CreatedAtSeconds int64  `json:"created_at_s"`
	ExpiresAtSeconds int64  `json:"expires_at_s"`
}
