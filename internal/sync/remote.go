// Package sync reconciles the local session store against the remote
// collection store. Two engines run side by side: one for annotations and
// replies, one for code files. Neither engine retries a failed call; the next
// poll cycle re-attempts naturally because every write is an idempotent upsert
// keyed by a client-generated id.
package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/margin/internal/project"
	"github.com/MarcoPoloResearchLab/margin/internal/remote"
)

// RemoteStore is the slice of the collection store client the engines consume.
type RemoteStore interface {
	Authenticated() bool
	FetchFiles(ctx context.Context, projectID project.ProjectID) ([]project.CodeFile, error)
	UpsertFile(ctx context.Context, file project.CodeFile, expectedUpdatedAt *int64) (remote.UpsertFileResult, error)
	DeleteFile(ctx context.Context, projectID project.ProjectID, fileID string) error
	FetchAnnotations(ctx context.Context, projectID project.ProjectID, fileIDs []string) ([]project.Annotation, error)
	UpsertAnnotation(ctx context.Context, annotation project.Annotation) (project.Annotation, error)
	DeleteAnnotation(ctx context.Context, projectID project.ProjectID, annotationID string) error
	FetchReplies(ctx context.Context, projectID project.ProjectID, fileIDs []string) ([]project.Reply, error)
	UpsertReply(ctx context.Context, reply project.Reply) (project.Reply, error)
	DeleteReply(ctx context.Context, projectID project.ProjectID, replyID string) error
	CreateDeletionRequest(ctx context.Context, projectID project.ProjectID, fileID, filename string) (project.DeletionRequest, error)
	ListDeletionRequests(ctx context.Context, projectID project.ProjectID) ([]project.DeletionRequest, error)
	ResolveDeletionRequest(ctx context.Context, projectID project.ProjectID, requestID string, resolution project.Resolution) (remote.ResolveOutcome, error)
}

var (
	errMissingSessionStore = errors.New("session store is required")
	errMissingRemoteStore  = errors.New("remote store is required")
)

type EngineError struct {
	code string
	err  error
}

func (e *EngineError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *EngineError) Unwrap() error {
	return e.err
}

func (e *EngineError) Code() string {
	return e.code
}

func newEngineError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &EngineError{code: code, err: cause}
}
