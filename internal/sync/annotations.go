package sync

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/margin/internal/project"
	"github.com/MarcoPoloResearchLab/margin/internal/session"
	"go.uber.org/zap"
)

// selfWriteSuppression skips one poll body right after a local push so the
// engine does not re-process its own write. The merge stays correct without
// it; this only avoids transient churn.
const selfWriteSuppression = 2500 * time.Millisecond

const (
	opAnnotationPull   = "sync.annotations.pull"
	opAnnotationPush   = "sync.annotations.push"
	opAnnotationDelete = "sync.annotations.delete"
	opReplyPush        = "sync.replies.push"
	opReplyDelete      = "sync.replies.delete"
)

// AnnotationEngineConfig describes the dependencies of the annotation engine.
type AnnotationEngineConfig struct {
	Session *session.Store
	Remote  RemoteStore
	Clock   func() time.Time
	Logger  *zap.Logger
}

// AnnotationEngine reconciles the session's annotation set and reply thread
// against the remote store. The synced-id sets record which identifiers the
// engine believes the remote already holds; their membership drives the merge.
type AnnotationEngine struct {
	session *session.Store
	remote  RemoteStore
	clock   func() time.Time
	logger  *zap.Logger

	mu             sync.Mutex
	syncedIDs      map[string]struct{}
	syncedReplyIDs map[string]struct{}
	lastLocalWrite time.Time
}

// NewAnnotationEngine validates the configuration and returns an engine with
// empty synced-id sets.
func NewAnnotationEngine(cfg AnnotationEngineConfig) (*AnnotationEngine, error) {
	if cfg.Session == nil {
		return nil, newEngineError(opAnnotationPull, "missing_session", errMissingSessionStore)
	}
	if cfg.Remote == nil {
		return nil, newEngineError(opAnnotationPull, "missing_remote", errMissingRemoteStore)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AnnotationEngine{
		session:        cfg.Session,
		remote:         cfg.Remote,
		clock:          clock,
		logger:         logger,
		syncedIDs:      make(map[string]struct{}),
		syncedReplyIDs: make(map[string]struct{}),
	}, nil
}

// PullResult reports whether a poll tick applied a snapshot and which remote
// ids were new to this client. NewAnnotationIDs is a read-only signal for
// transient UI emphasis.
type PullResult struct {
	Applied          bool
	NewAnnotationIDs []string
}

// Pull fetches the remote annotation and reply snapshots for the files the
// session currently knows, merges them with local state, and replaces the
// session's annotation set. It no-ops silently when no project is active,
// collaboration is off, the client holds no session, or a local write landed
// inside the suppression window.
func (e *AnnotationEngine) Pull(ctx context.Context) (PullResult, error) {
	state, ok := e.guard()
	if !ok {
		return PullResult{}, nil
	}
	if e.withinSuppressionWindow() {
		return PullResult{}, nil
	}
	return e.pull(ctx, state)
}

// Refresh is the hard-resync variant of Pull: it ignores the self-write
// suppression window. Used on project join and manual recovery.
func (e *AnnotationEngine) Refresh(ctx context.Context) (PullResult, error) {
	state, ok := e.guard()
	if !ok {
		return PullResult{}, nil
	}
	return e.pull(ctx, state)
}

func (e *AnnotationEngine) pull(ctx context.Context, state session.State) (PullResult, error) {
	projectID, err := project.NewProjectID(state.ActiveProjectID)
	if err != nil {
		return PullResult{}, newEngineError(opAnnotationPull, "invalid_project", err)
	}
	fileIDs := make([]string, 0, len(state.Files))
	for _, file := range state.Files {
		fileIDs = append(fileIDs, file.ID)
	}

	remoteAnnotations, err := e.remote.FetchAnnotations(ctx, projectID, fileIDs)
	if err != nil {
		e.logError(opAnnotationPull, "fetch_failed", err)
		return PullResult{}, newEngineError(opAnnotationPull, "fetch_failed", err)
	}
	remoteReplies, err := e.remote.FetchReplies(ctx, projectID, fileIDs)
	if err != nil {
		e.logError(opAnnotationPull, "fetch_replies_failed", err)
		return PullResult{}, newEngineError(opAnnotationPull, "fetch_replies_failed", err)
	}

	localIDs := make(map[string]struct{}, len(state.Annotations))
	for _, annotation := range state.Annotations {
		localIDs[annotation.ID] = struct{}{}
	}
	newIDs := make([]string, 0)
	for _, annotation := range remoteAnnotations {
		if _, known := localIDs[annotation.ID]; !known {
			newIDs = append(newIDs, annotation.ID)
		}
	}

	// The partition against local state happens inside the reducer, under the
	// session lock, so an annotation created while the fetch was in flight is
	// seen by the merge and never evicted.
	e.mu.Lock()
	syncedIDs := copyIDSet(e.syncedIDs)
	syncedReplyIDs := copyIDSet(e.syncedReplyIDs)
	e.mu.Unlock()

	e.session.Dispatch(session.MergeAnnotations{Remote: remoteAnnotations, SyncedIDs: syncedIDs})
	e.session.Dispatch(session.MergeReplies{Remote: remoteReplies, SyncedIDs: syncedReplyIDs})

	e.mu.Lock()
	e.syncedIDs = annotationIDSet(remoteAnnotations)
	e.syncedReplyIDs = replyIDSet(remoteReplies)
	e.mu.Unlock()
	return PullResult{Applied: true, NewAnnotationIDs: newIDs}, nil
}

// Push upserts one annotation at the remote store and marks its id synced.
// Silent no-op outside an authenticated collaborative session.
func (e *AnnotationEngine) Push(ctx context.Context, annotation project.Annotation) error {
	if _, ok := e.guard(); !ok {
		return nil
	}
	e.markLocalWrite()
	stored, err := e.remote.UpsertAnnotation(ctx, annotation)
	if err != nil {
		e.logError(opAnnotationPush, "upsert_failed", err, zap.String("annotation_id", annotation.ID))
		return newEngineError(opAnnotationPush, "upsert_failed", err)
	}
	e.mu.Lock()
	e.syncedIDs[stored.ID] = struct{}{}
	e.mu.Unlock()
	return nil
}

// PushReply upserts one reply and marks its id synced.
func (e *AnnotationEngine) PushReply(ctx context.Context, reply project.Reply) error {
	if _, ok := e.guard(); !ok {
		return nil
	}
	e.markLocalWrite()
	stored, err := e.remote.UpsertReply(ctx, reply)
	if err != nil {
		e.logError(opReplyPush, "upsert_failed", err, zap.String("reply_id", reply.ID))
		return newEngineError(opReplyPush, "upsert_failed", err)
	}
	e.mu.Lock()
	e.syncedReplyIDs[stored.ID] = struct{}{}
	e.mu.Unlock()
	return nil
}

// DeleteAnnotation removes one annotation remotely and forgets its synced id.
func (e *AnnotationEngine) DeleteAnnotation(ctx context.Context, annotationID string) error {
	state, ok := e.guard()
	if !ok {
		return nil
	}
	projectID, err := project.NewProjectID(state.ActiveProjectID)
	if err != nil {
		return newEngineError(opAnnotationDelete, "invalid_project", err)
	}
	e.markLocalWrite()
	if err := e.remote.DeleteAnnotation(ctx, projectID, annotationID); err != nil {
		e.logError(opAnnotationDelete, "delete_failed", err, zap.String("annotation_id", annotationID))
		return newEngineError(opAnnotationDelete, "delete_failed", err)
	}
	e.mu.Lock()
	delete(e.syncedIDs, annotationID)
	e.mu.Unlock()
	return nil
}

// DeleteReply removes one reply remotely and forgets its synced id.
func (e *AnnotationEngine) DeleteReply(ctx context.Context, replyID string) error {
	state, ok := e.guard()
	if !ok {
		return nil
	}
	projectID, err := project.NewProjectID(state.ActiveProjectID)
	if err != nil {
		return newEngineError(opReplyDelete, "invalid_project", err)
	}
	e.markLocalWrite()
	if err := e.remote.DeleteReply(ctx, projectID, replyID); err != nil {
		e.logError(opReplyDelete, "delete_failed", err, zap.String("reply_id", replyID))
		return newEngineError(opReplyDelete, "delete_failed", err)
	}
	e.mu.Lock()
	delete(e.syncedReplyIDs, replyID)
	e.mu.Unlock()
	return nil
}

// Rebaseline marks every id in the given snapshot as already synced, so the
// next tick does not re-push data the client just pulled.
func (e *AnnotationEngine) Rebaseline(annotations []project.Annotation, replies []project.Reply) {
	e.mu.Lock()
	e.syncedIDs = annotationIDSet(annotations)
	e.syncedReplyIDs = replyIDSet(replies)
	e.mu.Unlock()
}

// Clear drops all synced-id bookkeeping. Called on project leave.
func (e *AnnotationEngine) Clear() {
	e.mu.Lock()
	e.syncedIDs = make(map[string]struct{})
	e.syncedReplyIDs = make(map[string]struct{})
	e.lastLocalWrite = time.Time{}
	e.mu.Unlock()
}

// SyncedAnnotationIDs returns a copy of the synced annotation id set.
func (e *AnnotationEngine) SyncedAnnotationIDs() map[string]struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return copyIDSet(e.syncedIDs)
}

func (e *AnnotationEngine) guard() (session.State, bool) {
	state := e.session.Snapshot()
	if state.ActiveProjectID == "" {
		return state, false
	}
	if !state.Settings.CollaborationEnabled {
		return state, false
	}
	if !e.remote.Authenticated() {
		return state, false
	}
	return state, true
}

func (e *AnnotationEngine) markLocalWrite() {
	e.mu.Lock()
	e.lastLocalWrite = e.clock()
	e.mu.Unlock()
}

func (e *AnnotationEngine) withinSuppressionWindow() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastLocalWrite.IsZero() {
		return false
	}
	return e.clock().Sub(e.lastLocalWrite) < selfWriteSuppression
}

func (e *AnnotationEngine) logError(operation, reason string, err error, fields ...zap.Field) {
	fields = append(fields, zap.String("operation", operation), zap.String("reason", reason), zap.Error(err))
	e.logger.Error("annotation sync failed", fields...)
}

func copyIDSet(ids map[string]struct{}) map[string]struct{} {
	copied := make(map[string]struct{}, len(ids))
	for id := range ids {
		copied[id] = struct{}{}
	}
	return copied
}

func annotationIDSet(annotations []project.Annotation) map[string]struct{} {
	ids := make(map[string]struct{}, len(annotations))
	for _, annotation := range annotations {
		ids[annotation.ID] = struct{}{}
	}
	return ids
}

func replyIDSet(replies []project.Reply) map[string]struct{} {
	ids := make(map[string]struct{}, len(replies))
	for _, reply := range replies {
		ids[reply.ID] = struct{}{}
	}
	return ids
}
