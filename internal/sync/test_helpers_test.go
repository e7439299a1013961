package sync

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/margin/internal/project"
	"github.com/MarcoPoloResearchLab/margin/internal/remote"
	"github.com/MarcoPoloResearchLab/margin/internal/session"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock(start time.Time) *manualClock {
	return &manualClock{now: start}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(delta time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(delta)
	c.mu.Unlock()
}

// fakeRemote is an in-memory collection store with the same staleness and
// cascade semantics as the real one.
type fakeRemote struct {
	mu            sync.Mutex
	authenticated bool
	clock         *manualClock

	files            map[string]project.CodeFile
	annotations      map[string]project.Annotation
	replies          map[string]project.Reply
	deletionRequests map[string]project.DeletionRequest

	upsertFileCalls       int
	upsertAnnotationCalls int
	failNext              error

	// onFetchFiles / onFetchAnnotations run at the start of the matching
	// fetch, before the store lock is taken, to model local mutations landing
	// while a poll response is on the wire.
	onFetchFiles       func()
	onFetchAnnotations func()
}

func newFakeRemote(clock *manualClock) *fakeRemote {
	return &fakeRemote{
		authenticated:    true,
		clock:            clock,
		files:            make(map[string]project.CodeFile),
		annotations:      make(map[string]project.Annotation),
		replies:          make(map[string]project.Reply),
		deletionRequests: make(map[string]project.DeletionRequest),
	}
}

func (f *fakeRemote) takeFailure() error {
	failure := f.failNext
	f.failNext = nil
	return failure
}

func (f *fakeRemote) Authenticated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authenticated
}

func (f *fakeRemote) FetchFiles(_ context.Context, projectID project.ProjectID) ([]project.CodeFile, error) {
	if f.onFetchFiles != nil {
		f.onFetchFiles()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return nil, err
	}
	files := make([]project.CodeFile, 0, len(f.files))
	for _, file := range f.files {
		if file.ProjectID == projectID.String() {
			files = append(files, file)
		}
	}
	return files, nil
}

func (f *fakeRemote) UpsertFile(_ context.Context, file project.CodeFile, expectedUpdatedAt *int64) (remote.UpsertFileResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return remote.UpsertFileResult{}, err
	}
	f.upsertFileCalls++
	if existing, found := f.files[file.ID]; found && expectedUpdatedAt != nil && existing.UpdatedAtSeconds > *expectedUpdatedAt {
		return remote.UpsertFileResult{File: existing, Skipped: true}, nil
	}
	now := f.clock.Now().Unix()
	if existing, found := f.files[file.ID]; found {
		file.CreatedAtSeconds = existing.CreatedAtSeconds
	} else {
		file.CreatedAtSeconds = now
	}
	file.UpdatedAtSeconds = now
	f.files[file.ID] = file
	return remote.UpsertFileResult{File: file}, nil
}

func (f *fakeRemote) DeleteFile(_ context.Context, _ project.ProjectID, fileID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return err
	}
	delete(f.files, fileID)
	for id, annotation := range f.annotations {
		if annotation.FileID == fileID {
			delete(f.annotations, id)
			for replyID, reply := range f.replies {
				if reply.AnnotationID == id {
					delete(f.replies, replyID)
				}
			}
		}
	}
	return nil
}

func (f *fakeRemote) FetchAnnotations(_ context.Context, projectID project.ProjectID, fileIDs []string) ([]project.Annotation, error) {
	if f.onFetchAnnotations != nil {
		f.onFetchAnnotations()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return nil, err
	}
	wanted := make(map[string]struct{}, len(fileIDs))
	for _, fileID := range fileIDs {
		wanted[fileID] = struct{}{}
	}
	annotations := make([]project.Annotation, 0)
	for _, annotation := range f.annotations {
		if annotation.ProjectID != projectID.String() {
			continue
		}
		if _, ok := wanted[annotation.FileID]; ok {
			annotations = append(annotations, annotation)
		}
	}
	return annotations, nil
}

func (f *fakeRemote) UpsertAnnotation(_ context.Context, annotation project.Annotation) (project.Annotation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return project.Annotation{}, err
	}
	f.upsertAnnotationCalls++
	now := f.clock.Now().Unix()
	if existing, found := f.annotations[annotation.ID]; found {
		annotation.CreatedAtSeconds = existing.CreatedAtSeconds
	} else {
		annotation.CreatedAtSeconds = now
	}
	annotation.UpdatedAtSeconds = now
	f.annotations[annotation.ID] = annotation
	return annotation, nil
}

func (f *fakeRemote) DeleteAnnotation(_ context.Context, _ project.ProjectID, annotationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return err
	}
	delete(f.annotations, annotationID)
	for replyID, reply := range f.replies {
		if reply.AnnotationID == annotationID {
			delete(f.replies, replyID)
		}
	}
	return nil
}

func (f *fakeRemote) FetchReplies(_ context.Context, projectID project.ProjectID, fileIDs []string) ([]project.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return nil, err
	}
	wanted := make(map[string]struct{}, len(fileIDs))
	for _, fileID := range fileIDs {
		wanted[fileID] = struct{}{}
	}
	replies := make([]project.Reply, 0)
	for _, reply := range f.replies {
		if reply.ProjectID != projectID.String() {
			continue
		}
		annotation, found := f.annotations[reply.AnnotationID]
		if !found {
			continue
		}
		if _, ok := wanted[annotation.FileID]; ok {
			replies = append(replies, reply)
		}
	}
	return replies, nil
}

func (f *fakeRemote) UpsertReply(_ context.Context, reply project.Reply) (project.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return project.Reply{}, err
	}
	if existing, found := f.replies[reply.ID]; found {
		return existing, nil
	}
	now := f.clock.Now().Unix()
	reply.CreatedAtSeconds = now
	reply.UpdatedAtSeconds = now
	f.replies[reply.ID] = reply
	return reply, nil
}

func (f *fakeRemote) DeleteReply(_ context.Context, _ project.ProjectID, replyID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return err
	}
	delete(f.replies, replyID)
	return nil
}

func (f *fakeRemote) CreateDeletionRequest(_ context.Context, projectID project.ProjectID, fileID, filename string) (project.DeletionRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return project.DeletionRequest{}, err
	}
	now := f.clock.Now().Unix()
	request := project.DeletionRequest{
		ID:               fmt.Sprintf("req-%d", len(f.deletionRequests)+1),
		FileID:           fileID,
		ProjectID:        projectID.String(),
		Filename:         filename,
		CreatedAtSeconds: now,
		ExpiresAtSeconds: now + 600,
	}
	f.deletionRequests[request.ID] = request
	return request, nil
}

func (f *fakeRemote) ListDeletionRequests(_ context.Context, projectID project.ProjectID) ([]project.DeletionRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return nil, err
	}
	now := f.clock.Now().Unix()
	requests := make([]project.DeletionRequest, 0)
	for id, request := range f.deletionRequests {
		if request.ExpiresAtSeconds <= now {
			delete(f.deletionRequests, id)
			continue
		}
		if request.ProjectID == projectID.String() {
			requests = append(requests, request)
		}
	}
	return requests, nil
}

func (f *fakeRemote) ResolveDeletionRequest(_ context.Context, _ project.ProjectID, requestID string, resolution project.Resolution) (remote.ResolveOutcome, error) {
	f.mu.Lock()
	if err := f.takeFailure(); err != nil {
		f.mu.Unlock()
		return remote.ResolveOutcome{}, err
	}
	request, found := f.deletionRequests[requestID]
	if !found {
		f.mu.Unlock()
		return remote.ResolveOutcome{}, nil
	}
	delete(f.deletionRequests, requestID)
	_, fileExists := f.files[request.FileID]
	f.mu.Unlock()

	if resolution == project.ResolutionConfirm && fileExists {
		if err := f.DeleteFile(context.Background(), project.ProjectID(request.ProjectID), request.FileID); err != nil {
			return remote.ResolveOutcome{}, err
		}
		return remote.ResolveOutcome{RequestFound: true, FileDeleted: true}, nil
	}
	return remote.ResolveOutcome{RequestFound: true}, nil
}

func newCollaborativeSession(projectID string) *session.Store {
	store := session.NewStore()
	store.Dispatch(session.SetActiveProject{ProjectID: projectID})
	store.Dispatch(session.UpdateSettings{Settings: session.Settings{
		CollaborationEnabled: true,
		MemberID:             "member-a",
		DisplayName:          "Member A",
	}})
	return store
}

func mustAnnotationEngine(t *testing.T, store *session.Store, remoteStore RemoteStore, clock *manualClock) *AnnotationEngine {
	t.Helper()
	engine, err := NewAnnotationEngine(AnnotationEngineConfig{
		Session: store,
		Remote:  remoteStore,
		Clock:   clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to build annotation engine: %v", err)
	}
	return engine
}

func mustFileEngine(t *testing.T, store *session.Store, remoteStore RemoteStore, clock *manualClock) *FileEngine {
	t.Helper()
	engine, err := NewFileEngine(FileEngineConfig{
		Session: store,
		Remote:  remoteStore,
		Clock:   clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to build file engine: %v", err)
	}
	return engine
}
