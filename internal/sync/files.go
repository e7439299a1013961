package sync

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/margin/internal/project"
	"github.com/MarcoPoloResearchLab/margin/internal/session"
	"go.uber.org/zap"
)

const (
	opFileFetch       = "sync.files.fetch"
	opFileSave        = "sync.files.save"
	opFileDelete      = "sync.files.delete"
	opFileNegotiation = "sync.files.negotiation"
	opFileTrash       = "sync.files.trash"
)

type fileFingerprint struct {
	Filename string
	Hash     string
}

// TrashEntry is a removed file parked client-side so it can be restored.
// RemoteBacked records whether the removal also happened at the store; files
// removed while no project was active exist only in this client's trash.
type TrashEntry struct {
	File             project.CodeFile
	RemoteBacked     bool
	TrashedAtSeconds int64
}

// FileEngineConfig describes the dependencies of the file engine.
type FileEngineConfig struct {
	Session *session.Store
	Remote  RemoteStore
	Clock   func() time.Time
	Logger  *zap.Logger
}

// FileEngine reconciles the session's code files against the remote store.
// Its fingerprint map is the synced-id set for files: presence means the
// remote holds this file at the recorded name and content hash. lastObserved
// carries the per-file timestamp baseline for the staleness check on save.
type FileEngine struct {
	session *session.Store
	remote  RemoteStore
	clock   func() time.Time
	logger  *zap.Logger

	mu                sync.Mutex
	fingerprints      map[string]fileFingerprint
	lastObserved      map[string]int64
	pendingNewFileIDs map[string]struct{}
	trash             map[string]TrashEntry
	lastLocalWrite    time.Time
}

// NewFileEngine validates the configuration and returns an engine with empty
// bookkeeping.
func NewFileEngine(cfg FileEngineConfig) (*FileEngine, error) {
	if cfg.Session == nil {
		return nil, newEngineError(opFileFetch, "missing_session", errMissingSessionStore)
	}
	if cfg.Remote == nil {
		return nil, newEngineError(opFileFetch, "missing_remote", errMissingRemoteStore)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileEngine{
		session:           cfg.Session,
		remote:            cfg.Remote,
		clock:             clock,
		logger:            logger,
		fingerprints:      make(map[string]fileFingerprint),
		lastObserved:      make(map[string]int64),
		pendingNewFileIDs: make(map[string]struct{}),
		trash:             make(map[string]TrashEntry),
	}, nil
}

// FetchResult reports whether a poll tick applied a remote snapshot and which
// file ids were new to this client.
type FetchResult struct {
	Applied    bool
	NewFileIDs []string
}

// Fetch pulls the remote file list and replaces the session's files, keeping
// local files that were created here and not pushed yet. Silent no-op when
// the session is not collaborative or a local write landed inside the
// suppression window.
func (e *FileEngine) Fetch(ctx context.Context) (FetchResult, error) {
	state, ok := e.guard()
	if !ok {
		return FetchResult{}, nil
	}
	if e.withinSuppressionWindow() {
		return FetchResult{}, nil
	}
	return e.fetch(ctx, state, false)
}

// Refresh is Fetch without the suppression window. Used on join and after a
// skipped save; local edits still awaiting their own push are kept.
func (e *FileEngine) Refresh(ctx context.Context) (FetchResult, error) {
	state, ok := e.guard()
	if !ok {
		return FetchResult{}, nil
	}
	return e.fetch(ctx, state, false)
}

// Resync is the hard-recovery variant: the remote copy wins for every synced
// file, discarding local drift. Never-synced local files still survive.
func (e *FileEngine) Resync(ctx context.Context) (FetchResult, error) {
	state, ok := e.guard()
	if !ok {
		return FetchResult{}, nil
	}
	return e.fetch(ctx, state, true)
}

func (e *FileEngine) fetch(ctx context.Context, state session.State, authoritative bool) (FetchResult, error) {
	projectID, err := project.NewProjectID(state.ActiveProjectID)
	if err != nil {
		return FetchResult{}, newEngineError(opFileFetch, "invalid_project", err)
	}
	remoteFiles, err := e.remote.FetchFiles(ctx, projectID)
	if err != nil {
		e.logError(opFileFetch, "fetch_failed", err)
		return FetchResult{}, newEngineError(opFileFetch, "fetch_failed", err)
	}

	localIDs := make(map[string]struct{}, len(state.Files))
	for _, file := range state.Files {
		localIDs[file.ID] = struct{}{}
	}
	newIDs := make([]string, 0)
	for _, file := range remoteFiles {
		if _, known := localIDs[file.ID]; !known {
			newIDs = append(newIDs, file.ID)
		}
	}

	// The partition against local state happens inside the reducer, under the
	// session lock: a file created while the fetch was in flight survives, and
	// a local edit that drifted from its synced hash is kept until its own
	// save settles the winner.
	e.mu.Lock()
	syncedHashes := make(map[string]string, len(e.fingerprints))
	for id, fingerprint := range e.fingerprints {
		syncedHashes[id] = fingerprint.Hash
	}
	e.mu.Unlock()

	e.session.Dispatch(session.MergeFiles{Remote: remoteFiles, SyncedHashes: syncedHashes, Authoritative: authoritative})

	// Rebuild the bookkeeping from the remote snapshot. A synced id absent
	// remotely was dropped by the merge; a kept dirty edit inherits the remote
	// baseline so its save runs the staleness check against it.
	e.mu.Lock()
	e.fingerprints = make(map[string]fileFingerprint, len(remoteFiles))
	e.lastObserved = make(map[string]int64, len(remoteFiles))
	for _, file := range remoteFiles {
		e.fingerprints[file.ID] = fileFingerprint{
			Filename: file.Filename,
			Hash:     project.Fingerprint(file.Filename, file.Content),
		}
		e.lastObserved[file.ID] = file.UpdatedAtSeconds
		delete(e.pendingNewFileIDs, file.ID)
	}
	e.mu.Unlock()
	return FetchResult{Applied: true, NewFileIDs: newIDs}, nil
}

// SaveResult carries the stored file and the staleness verdict. A skipped
// save is a soft success: the remote held a newer row and the caller must
// re-fetch to pick up the winning value.
type SaveResult struct {
	File    project.CodeFile
	Skipped bool
}

// Save writes one file. When the file was synced before, the engine sends its
// last observed timestamp so the store can reject the write if another client
// landed a newer one. An unchanged file (same name and content hash) is not
// sent at all.
func (e *FileEngine) Save(ctx context.Context, file project.CodeFile) (SaveResult, error) {
	if _, ok := e.guard(); !ok {
		return SaveResult{}, nil
	}

	e.mu.Lock()
	var expected *int64
	if known, wasSynced := e.fingerprints[file.ID]; wasSynced {
		if known.Filename == file.Filename && known.Hash == project.Fingerprint(file.Filename, file.Content) {
			e.mu.Unlock()
			return SaveResult{File: file}, nil
		}
		if observed, ok := e.lastObserved[file.ID]; ok {
			value := observed
			expected = &value
		}
	}
	e.mu.Unlock()

	e.markLocalWrite()
	result, err := e.remote.UpsertFile(ctx, file, expected)
	if err != nil {
		e.logError(opFileSave, "upsert_failed", err, zap.String("file_id", file.ID))
		return SaveResult{}, newEngineError(opFileSave, "upsert_failed", err)
	}
	if result.Skipped {
		// The staleness check rejected this write: another client holds the
		// winning row. Adopt it as the new baseline so the losing edit does
		// not read as a dirty local copy on the next poll.
		e.mu.Lock()
		e.fingerprints[file.ID] = fileFingerprint{
			Filename: result.File.Filename,
			Hash:     project.Fingerprint(result.File.Filename, result.File.Content),
		}
		e.lastObserved[file.ID] = result.File.UpdatedAtSeconds
		e.mu.Unlock()
		e.session.Dispatch(session.UpsertFile{File: result.File})
		return SaveResult{File: result.File, Skipped: true}, nil
	}

	e.mu.Lock()
	e.fingerprints[file.ID] = fileFingerprint{
		Filename: result.File.Filename,
		Hash:     project.Fingerprint(result.File.Filename, result.File.Content),
	}
	e.lastObserved[file.ID] = result.File.UpdatedAtSeconds
	delete(e.pendingNewFileIDs, file.ID)
	e.mu.Unlock()

	e.session.Dispatch(session.UpsertFile{File: result.File})
	return SaveResult{File: result.File}, nil
}

// TrackNewFile marks a locally created file as awaiting its first push.
func (e *FileEngine) TrackNewFile(fileID string) {
	e.mu.Lock()
	e.pendingNewFileIDs[fileID] = struct{}{}
	e.mu.Unlock()
}

// PendingNewFile reports whether a file is still awaiting its first push.
func (e *FileEngine) PendingNewFile(fileID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, pending := e.pendingNewFileIDs[fileID]
	return pending
}

// Delete removes a file without negotiation. In an authenticated
// collaborative session the store row is removed and the trash entry is
// remote-backed; otherwise the file only leaves the local session and the
// trash entry is local-only.
func (e *FileEngine) Delete(ctx context.Context, fileID string) error {
	state := e.session.Snapshot()
	file, found := findFile(state.Files, fileID)

	if _, ok := e.guard(); ok {
		projectID, err := project.NewProjectID(state.ActiveProjectID)
		if err != nil {
			return newEngineError(opFileDelete, "invalid_project", err)
		}
		e.markLocalWrite()
		if err := e.remote.DeleteFile(ctx, projectID, fileID); err != nil {
			e.logError(opFileDelete, "delete_failed", err, zap.String("file_id", fileID))
			return newEngineError(opFileDelete, "delete_failed", err)
		}
		e.removeLocal(fileID, file, found, true)
		return nil
	}

	e.removeLocal(fileID, file, found, false)
	return nil
}

func (e *FileEngine) removeLocal(fileID string, file project.CodeFile, found, remoteBacked bool) {
	e.mu.Lock()
	if found {
		e.trash[fileID] = TrashEntry{
			File:             file,
			RemoteBacked:     remoteBacked,
			TrashedAtSeconds: e.clock().Unix(),
		}
	}
	delete(e.fingerprints, fileID)
	delete(e.lastObserved, fileID)
	delete(e.pendingNewFileIDs, fileID)
	e.mu.Unlock()
	e.session.Dispatch(session.RemoveFile{FileID: fileID})
}

// RequestDeletion opens a two-phase deletion for a file another member must
// confirm. Silent no-op outside an authenticated collaborative session.
func (e *FileEngine) RequestDeletion(ctx context.Context, fileID, filename string) (project.DeletionRequest, error) {
	state, ok := e.guard()
	if !ok {
		return project.DeletionRequest{}, nil
	}
	projectID, err := project.NewProjectID(state.ActiveProjectID)
	if err != nil {
		return project.DeletionRequest{}, newEngineError(opFileNegotiation, "invalid_project", err)
	}
	e.markLocalWrite()
	request, err := e.remote.CreateDeletionRequest(ctx, projectID, fileID, filename)
	if err != nil {
		e.logError(opFileNegotiation, "request_failed", err, zap.String("file_id", fileID))
		return project.DeletionRequest{}, newEngineError(opFileNegotiation, "request_failed", err)
	}
	return request, nil
}

// ConfirmDeletion resolves a pending deletion by executing it. A confirm
// whose target is already gone no-ops. On success the file leaves local state
// through a remote-backed trash entry.
func (e *FileEngine) ConfirmDeletion(ctx context.Context, requestID, fileID string) error {
	state, ok := e.guard()
	if !ok {
		return nil
	}
	projectID, err := project.NewProjectID(state.ActiveProjectID)
	if err != nil {
		return newEngineError(opFileNegotiation, "invalid_project", err)
	}
	e.markLocalWrite()
	if _, err := e.remote.ResolveDeletionRequest(ctx, projectID, requestID, project.ResolutionConfirm); err != nil {
		e.logError(opFileNegotiation, "confirm_failed", err, zap.String("request_id", requestID))
		return newEngineError(opFileNegotiation, "confirm_failed", err)
	}
	file, found := findFile(state.Files, fileID)
	e.removeLocal(fileID, file, found, true)
	return nil
}

// RejectDeletion resolves a pending deletion by cancelling it; the file is
// untouched locally and remotely.
func (e *FileEngine) RejectDeletion(ctx context.Context, requestID string) error {
	state, ok := e.guard()
	if !ok {
		return nil
	}
	projectID, err := project.NewProjectID(state.ActiveProjectID)
	if err != nil {
		return newEngineError(opFileNegotiation, "invalid_project", err)
	}
	e.markLocalWrite()
	if _, err := e.remote.ResolveDeletionRequest(ctx, projectID, requestID, project.ResolutionReject); err != nil {
		e.logError(opFileNegotiation, "reject_failed", err, zap.String("request_id", requestID))
		return newEngineError(opFileNegotiation, "reject_failed", err)
	}
	return nil
}

// PendingDeletions lists the outstanding deletion requests for the active
// project. Expired requests are already swept server-side.
func (e *FileEngine) PendingDeletions(ctx context.Context) ([]project.DeletionRequest, error) {
	state, ok := e.guard()
	if !ok {
		return nil, nil
	}
	projectID, err := project.NewProjectID(state.ActiveProjectID)
	if err != nil {
		return nil, newEngineError(opFileNegotiation, "invalid_project", err)
	}
	requests, err := e.remote.ListDeletionRequests(ctx, projectID)
	if err != nil {
		e.logError(opFileNegotiation, "list_failed", err)
		return nil, newEngineError(opFileNegotiation, "list_failed", err)
	}
	return requests, nil
}

// ListTrashed returns the trash, most recent first.
func (e *FileEngine) ListTrashed() []TrashEntry {
	e.mu.Lock()
	entries := make([]TrashEntry, 0, len(e.trash))
	for _, entry := range e.trash {
		entries = append(entries, entry)
	}
	e.mu.Unlock()
	sort.SliceStable(entries, func(left, right int) bool {
		return entries[left].TrashedAtSeconds > entries[right].TrashedAtSeconds
	})
	return entries
}

// Restore puts a trashed file back into the session. A remote-backed entry is
// also re-pushed to the store when a collaborative session is active.
func (e *FileEngine) Restore(ctx context.Context, fileID string) error {
	e.mu.Lock()
	entry, found := e.trash[fileID]
	if found {
		delete(e.trash, fileID)
	}
	e.mu.Unlock()
	if !found {
		return nil
	}

	e.session.Dispatch(session.UpsertFile{File: entry.File})
	if _, ok := e.guard(); !ok {
		e.TrackNewFile(fileID)
		return nil
	}

	e.markLocalWrite()
	result, err := e.remote.UpsertFile(ctx, entry.File, nil)
	if err != nil {
		e.logError(opFileTrash, "restore_failed", err, zap.String("file_id", fileID))
		return newEngineError(opFileTrash, "restore_failed", err)
	}
	e.mu.Lock()
	e.fingerprints[fileID] = fileFingerprint{
		Filename: result.File.Filename,
		Hash:     project.Fingerprint(result.File.Filename, result.File.Content),
	}
	e.lastObserved[fileID] = result.File.UpdatedAtSeconds
	e.mu.Unlock()
	e.session.Dispatch(session.UpsertFile{File: result.File})
	return nil
}

// Purge drops one trash entry for good.
func (e *FileEngine) Purge(fileID string) {
	e.mu.Lock()
	delete(e.trash, fileID)
	e.mu.Unlock()
}

// EmptyTrash drops every trash entry.
func (e *FileEngine) EmptyTrash() {
	e.mu.Lock()
	e.trash = make(map[string]TrashEntry)
	e.mu.Unlock()
}

// Rebaseline marks every file in the given snapshot as synced at its current
// name, content, and timestamp.
func (e *FileEngine) Rebaseline(files []project.CodeFile) {
	e.mu.Lock()
	e.fingerprints = make(map[string]fileFingerprint, len(files))
	e.lastObserved = make(map[string]int64, len(files))
	e.pendingNewFileIDs = make(map[string]struct{})
	for _, file := range files {
		e.fingerprints[file.ID] = fileFingerprint{
			Filename: file.Filename,
			Hash:     project.Fingerprint(file.Filename, file.Content),
		}
		e.lastObserved[file.ID] = file.UpdatedAtSeconds
	}
	e.mu.Unlock()
}

// Clear drops all sync bookkeeping. The trash survives a project leave so a
// user can still recover a file removed moments before.
func (e *FileEngine) Clear() {
	e.mu.Lock()
	e.fingerprints = make(map[string]fileFingerprint)
	e.lastObserved = make(map[string]int64)
	e.pendingNewFileIDs = make(map[string]struct{})
	e.lastLocalWrite = time.Time{}
	e.mu.Unlock()
}

// SyncedFileIDs returns a copy of the synced file id set.
func (e *FileEngine) SyncedFileIDs() map[string]struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make(map[string]struct{}, len(e.fingerprints))
	for id := range e.fingerprints {
		ids[id] = struct{}{}
	}
	return ids
}

func (e *FileEngine) guard() (session.State, bool) {
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

func (e *FileEngine) markLocalWrite() {
	e.mu.Lock()
	e.lastLocalWrite = e.clock()
	e.mu.Unlock()
}

func (e *FileEngine) withinSuppressionWindow() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastLocalWrite.IsZero() {
		return false
	}
	return e.clock().Sub(e.lastLocalWrite) < selfWriteSuppression
}

func (e *FileEngine) logError(operation, reason string, err error, fields ...zap.Field) {
	fields = append(fields, zap.String("operation", operation), zap.String("reason", reason), zap.Error(err))
	e.logger.Error("file sync failed", fields...)
}

func findFile(files []project.CodeFile, fileID string) (project.CodeFile, bool) {
	for _, file := range files {
		if file.ID == fileID {
			return file, true
		}
	}
	return project.CodeFile{}, false
}
