// Package collab composes the two sync engines over the local session store
// and exposes the wrapped mutation API callers use instead of the raw store.
// Every wrapped mutation applies to local state first, so the UI never blocks
// on the network, and schedules the matching remote call when a project is
// active.
package collab

import (
	"context"
	"errors"
	gosync "sync"
	"time"

	"github.com/MarcoPoloResearchLab/margin/internal/project"
	"github.com/MarcoPoloResearchLab/margin/internal/session"
	"github.com/MarcoPoloResearchLab/margin/internal/sync"
	"go.uber.org/zap"
)

const (
	defaultPollInterval    = 5 * time.Second
	defaultNewFileDebounce = 1 * time.Second
	defaultEditDebounce    = 3 * time.Second
	debounceFlushInterval  = 500 * time.Millisecond
)

var (
	errMissingSession          = errors.New("session store is required")
	errMissingAnnotationEngine = errors.New("annotation engine is required")
	errMissingFileEngine       = errors.New("file engine is required")
	errMissingIDProvider       = errors.New("id provider is required")
	errNoActiveProject         = errors.New("collab: no active project")
	errUnknownFile             = errors.New("collab: unknown file")
)

// OrchestratorConfig describes the dependencies of the session orchestrator.
type OrchestratorConfig struct {
	Session     *session.Store
	Annotations *sync.AnnotationEngine
	Files       *sync.FileEngine
	IDProvider  project.IDProvider
	Clock       func() time.Time
	Logger      *zap.Logger

	PollInterval    time.Duration
	NewFileDebounce time.Duration
	EditDebounce    time.Duration
}

// Orchestrator is the single entry point for project mutations. It owns the
// poll loops, the content-edit debounce, and the join/leave lifecycle of the
// sync bookkeeping.
type Orchestrator struct {
	session     *session.Store
	annotations *sync.AnnotationEngine
	files       *sync.FileEngine
	idProvider  project.IDProvider
	clock       func() time.Time
	logger      *zap.Logger

	pollInterval    time.Duration
	newFileDebounce time.Duration
	editDebounce    time.Duration

	mu           gosync.Mutex
	pendingEdits map[string]time.Time
	kick         chan struct{}
}

// NewOrchestrator validates the configuration and returns an orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Session == nil {
		return nil, errMissingSession
	}
	if cfg.Annotations == nil {
		return nil, errMissingAnnotationEngine
	}
	if cfg.Files == nil {
		return nil, errMissingFileEngine
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	newFileDebounce := cfg.NewFileDebounce
	if newFileDebounce <= 0 {
		newFileDebounce = defaultNewFileDebounce
	}
	editDebounce := cfg.EditDebounce
	if editDebounce <= 0 {
		editDebounce = defaultEditDebounce
	}
	return &Orchestrator{
		session:         cfg.Session,
		annotations:     cfg.Annotations,
		files:           cfg.Files,
		idProvider:      cfg.IDProvider,
		clock:           clock,
		logger:          logger,
		pollInterval:    pollInterval,
		newFileDebounce: newFileDebounce,
		editDebounce:    editDebounce,
		pendingEdits:    make(map[string]time.Time),
		kick:            make(chan struct{}, 1),
	}, nil
}

// JoinProject activates a project and loads its remote snapshot. Everything
// in the loaded snapshot is marked synced, so the next tick does not re-push
// data the client just pulled.
func (o *Orchestrator) JoinProject(ctx context.Context, projectID string) error {
	if projectID == "" {
		return errNoActiveProject
	}
	o.session.Dispatch(session.SetActiveProject{ProjectID: projectID})
	o.files.Clear()
	o.annotations.Clear()

	if _, err := o.files.Refresh(ctx); err != nil {
		return err
	}
	if _, err := o.annotations.Refresh(ctx); err != nil {
		return err
	}

	snapshot := o.session.Snapshot()
	o.files.Rebaseline(snapshot.Files)
	o.annotations.Rebaseline(snapshot.Annotations, snapshot.Replies)
	o.NotifyForeground()
	return nil
}

// LeaveProject deactivates the project and drops all sync bookkeeping.
func (o *Orchestrator) LeaveProject() {
	o.session.Dispatch(session.ClearActiveProject{})
	o.files.Clear()
	o.annotations.Clear()
	o.mu.Lock()
	o.pendingEdits = make(map[string]time.Time)
	o.mu.Unlock()
}

// RefreshFromCloud discards local annotation and file state and replaces it
// wholesale with a fresh remote snapshot. Manual recovery from a suspected
// desync, for example after a long suspension.
func (o *Orchestrator) RefreshFromCloud(ctx context.Context) error {
	o.mu.Lock()
	o.pendingEdits = make(map[string]time.Time)
	o.mu.Unlock()

	if _, err := o.files.Resync(ctx); err != nil {
		return err
	}
	if _, err := o.annotations.Refresh(ctx); err != nil {
		return err
	}
	snapshot := o.session.Snapshot()
	o.files.Rebaseline(snapshot.Files)
	o.annotations.Rebaseline(snapshot.Annotations, snapshot.Replies)
	return nil
}

// AddAnnotation assigns an id when missing, applies the annotation locally,
// and pushes it.
func (o *Orchestrator) AddAnnotation(ctx context.Context, annotation project.Annotation) (project.Annotation, error) {
	state := o.session.Snapshot()
	if annotation.ID == "" {
		id, err := o.idProvider.NewID()
		if err != nil {
			return project.Annotation{}, err
		}
		annotation.ID = id
	}
	if annotation.ProjectID == "" {
		annotation.ProjectID = state.ActiveProjectID
	}
	if annotation.AuthorID == "" {
		annotation.AuthorID = state.Settings.MemberID
	}
	if _, found := findFile(state.Files, annotation.FileID); !found {
		return project.Annotation{}, errUnknownFile
	}

	o.session.Dispatch(session.UpsertAnnotation{Annotation: annotation})
	return annotation, o.annotations.Push(ctx, annotation)
}

// UpdateAnnotation applies a content edit locally and pushes it.
func (o *Orchestrator) UpdateAnnotation(ctx context.Context, annotation project.Annotation) error {
	o.session.Dispatch(session.UpsertAnnotation{Annotation: annotation})
	return o.annotations.Push(ctx, annotation)
}

// RemoveAnnotation deletes an annotation locally and remotely. Annotations
// are deleted directly; only files go through negotiation.
func (o *Orchestrator) RemoveAnnotation(ctx context.Context, annotationID string) error {
	o.session.Dispatch(session.RemoveAnnotation{AnnotationID: annotationID})
	return o.annotations.DeleteAnnotation(ctx, annotationID)
}

// AddReply assigns an id when missing, applies the reply locally, and pushes it.
func (o *Orchestrator) AddReply(ctx context.Context, reply project.Reply) (project.Reply, error) {
	state := o.session.Snapshot()
	if reply.ID == "" {
		id, err := o.idProvider.NewID()
		if err != nil {
			return project.Reply{}, err
		}
		reply.ID = id
	}
	if reply.ProjectID == "" {
		reply.ProjectID = state.ActiveProjectID
	}
	if reply.AuthorID == "" {
		reply.AuthorID = state.Settings.MemberID
	}
	if reply.AuthorLabel == "" {
		reply.AuthorLabel = state.Settings.DisplayName
	}

	o.session.Dispatch(session.UpsertReply{Reply: reply})
	return reply, o.annotations.PushReply(ctx, reply)
}

// RemoveReply deletes a reply locally and remotely.
func (o *Orchestrator) RemoveReply(ctx context.Context, replyID string) error {
	o.session.Dispatch(session.RemoveReply{ReplyID: replyID})
	return o.annotations.DeleteReply(ctx, replyID)
}

// AddFile assigns an id when missing, applies the file locally, and schedules
// a fast first push so the new file becomes visible to other members quickly.
func (o *Orchestrator) AddFile(file project.CodeFile) (project.CodeFile, error) {
	state := o.session.Snapshot()
	if file.ID == "" {
		id, err := o.idProvider.NewID()
		if err != nil {
			return project.CodeFile{}, err
		}
		file.ID = id
	}
	if file.ProjectID == "" {
		file.ProjectID = state.ActiveProjectID
	}
	if file.UploadedBy == "" {
		file.UploadedBy = state.Settings.MemberID
	}
	if file.OriginalContent == "" {
		file.OriginalContent = file.Content
	}

	o.session.Dispatch(session.UpsertFile{File: file})
	o.files.TrackNewFile(file.ID)
	o.scheduleEdit(file.ID, o.newFileDebounce)
	return file, nil
}

// SetFileContent applies a content edit locally and schedules a debounced
// push, so a typing stream does not flood the store with every keystroke.
func (o *Orchestrator) SetFileContent(fileID, content string) error {
	state := o.session.Snapshot()
	file, found := findFile(state.Files, fileID)
	if !found {
		return errUnknownFile
	}
	file.Content = content
	o.session.Dispatch(session.UpsertFile{File: file})
	o.scheduleEdit(fileID, o.debounceFor(fileID))
	return nil
}

// RenameFile applies a rename locally and schedules a debounced push.
func (o *Orchestrator) RenameFile(fileID, filename string) error {
	state := o.session.Snapshot()
	file, found := findFile(state.Files, fileID)
	if !found {
		return errUnknownFile
	}
	file.Filename = filename
	o.session.Dispatch(session.UpsertFile{File: file})
	o.scheduleEdit(fileID, o.debounceFor(fileID))
	return nil
}

// RevertFile restores a file's upload-time content locally and schedules the
// push like any other edit.
func (o *Orchestrator) RevertFile(fileID string) error {
	state := o.session.Snapshot()
	file, found := findFile(state.Files, fileID)
	if !found {
		return errUnknownFile
	}
	file.Content = file.OriginalContent
	o.session.Dispatch(session.UpsertFile{File: file})
	o.scheduleEdit(fileID, o.debounceFor(fileID))
	return nil
}

// RemoveFile removes a file. In an authenticated collaborative session the
// removal is negotiated: a deletion request is opened for another member to
// confirm, and local state keeps the file until that happens. Otherwise the
// file is deleted directly.
func (o *Orchestrator) RemoveFile(ctx context.Context, fileID string) (project.DeletionRequest, error) {
	state := o.session.Snapshot()
	if state.ActiveProjectID != "" && state.Settings.CollaborationEnabled {
		file, found := findFile(state.Files, fileID)
		if !found {
			return project.DeletionRequest{}, errUnknownFile
		}
		request, err := o.files.RequestDeletion(ctx, fileID, file.Filename)
		if err != nil {
			return project.DeletionRequest{}, err
		}
		if request.ID != "" {
			return request, nil
		}
		// The engine declined silently (no session); fall through to a
		// direct local delete.
	}

	o.mu.Lock()
	delete(o.pendingEdits, fileID)
	o.mu.Unlock()
	return project.DeletionRequest{}, o.files.Delete(ctx, fileID)
}

// ConfirmFileDeletion settles another member's deletion request by executing it.
func (o *Orchestrator) ConfirmFileDeletion(ctx context.Context, requestID, fileID string) error {
	o.mu.Lock()
	delete(o.pendingEdits, fileID)
	o.mu.Unlock()
	return o.files.ConfirmDeletion(ctx, requestID, fileID)
}

// RejectFileDeletion settles another member's deletion request by cancelling it.
func (o *Orchestrator) RejectFileDeletion(ctx context.Context, requestID string) error {
	return o.files.RejectDeletion(ctx, requestID)
}

// PendingFileDeletions lists the outstanding deletion requests.
func (o *Orchestrator) PendingFileDeletions(ctx context.Context) ([]project.DeletionRequest, error) {
	return o.files.PendingDeletions(ctx)
}

// SaveAll flushes every pending edit immediately and pushes every file in the
// session. Unchanged files are not re-sent.
func (o *Orchestrator) SaveAll(ctx context.Context) error {
	o.mu.Lock()
	o.pendingEdits = make(map[string]time.Time)
	o.mu.Unlock()

	var firstErr error
	for _, file := range o.session.Snapshot().Files {
		result, err := o.files.Save(ctx, file)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if result.Skipped {
			if _, err := o.files.Refresh(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// NotifyForeground kicks both poll loops immediately. Wired to the host's
// foreground-visibility event to cover process suspension.
func (o *Orchestrator) NotifyForeground() {
	select {
	case o.kick <- struct{}{}:
	default:
	}
}

// TickAnnotations runs one annotation poll cycle. Failures are logged and
// left for the next cycle.
func (o *Orchestrator) TickAnnotations(ctx context.Context) {
	if _, err := o.annotations.Pull(ctx); err != nil {
		o.logger.Warn("annotation poll failed", zap.Error(err))
	}
}

// TickFiles flushes due debounced edits and runs one file poll cycle.
func (o *Orchestrator) TickFiles(ctx context.Context) {
	o.FlushDueEdits(ctx)
	if _, err := o.files.Fetch(ctx); err != nil {
		o.logger.Warn("file poll failed", zap.Error(err))
	}
}

// FlushDueEdits pushes every file whose debounce deadline has passed. A save
// that loses the staleness race triggers an immediate re-fetch so the next
// edit starts from the winning content.
func (o *Orchestrator) FlushDueEdits(ctx context.Context) {
	now := o.clock()
	o.mu.Lock()
	due := make([]string, 0, len(o.pendingEdits))
	for fileID, deadline := range o.pendingEdits {
		if !deadline.After(now) {
			due = append(due, fileID)
			delete(o.pendingEdits, fileID)
		}
	}
	o.mu.Unlock()

	state := o.session.Snapshot()
	for _, fileID := range due {
		file, found := findFile(state.Files, fileID)
		if !found {
			continue
		}
		result, err := o.files.Save(ctx, file)
		if err != nil {
			o.logger.Warn("debounced save failed", zap.String("file_id", fileID), zap.Error(err))
			continue
		}
		if result.Skipped {
			if _, err := o.files.Refresh(ctx); err != nil {
				o.logger.Warn("post-skip refresh failed", zap.String("file_id", fileID), zap.Error(err))
			}
		}
	}
}

// Run drives the poll loops until the context is cancelled. One failed tick
// never stops the timers.
func (o *Orchestrator) Run(ctx context.Context) {
	pollTicker := time.NewTicker(o.pollInterval)
	defer pollTicker.Stop()
	flushTicker := time.NewTicker(debounceFlushInterval)
	defer flushTicker.Stop()

	// Initial kick.
	o.TickFiles(ctx)
	o.TickAnnotations(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-pollTicker.C:
			o.TickFiles(ctx)
			o.TickAnnotations(ctx)
		case <-flushTicker.C:
			o.FlushDueEdits(ctx)
		case <-o.kick:
			o.TickFiles(ctx)
			o.TickAnnotations(ctx)
		}
	}
}

func (o *Orchestrator) scheduleEdit(fileID string, delay time.Duration) {
	o.mu.Lock()
	o.pendingEdits[fileID] = o.clock().Add(delay)
	o.mu.Unlock()
}

func (o *Orchestrator) debounceFor(fileID string) time.Duration {
	if o.files.PendingNewFile(fileID) {
		return o.newFileDebounce
	}
	return o.editDebounce
}

func findFile(files []project.CodeFile, fileID string) (project.CodeFile, bool) {
	for _, file := range files {
		if file.ID == fileID {
			return file, true
		}
	}
	return project.CodeFile{}, false
}
