package session

import (
	"testing"

	"github.com/MarcoPoloResearchLab/margin/internal/project"
)

func TestDispatchUpsertFileKeepsDisplayOrder(t *testing.T) {
	store := NewStore()
	store.Dispatch(SetActiveProject{ProjectID: "proj-1"})
	store.Dispatch(UpsertFile{File: project.CodeFile{ID: "f2", Filename: "b.py", DisplayOrder: 2}})
	store.Dispatch(UpsertFile{File: project.CodeFile{ID: "f1", Filename: "a.py", DisplayOrder: 1}})

	snapshot := store.Snapshot()
	if len(snapshot.Files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(snapshot.Files))
	}
	if snapshot.Files[0].ID != "f1" || snapshot.Files[1].ID != "f2" {
		t.Fatalf("expected display-order sorting, got %+v", snapshot.Files)
	}

	store.Dispatch(UpsertFile{File: project.CodeFile{ID: "f1", Filename: "renamed.py", DisplayOrder: 1}})
	snapshot = store.Snapshot()
	if len(snapshot.Files) != 2 {
		t.Fatalf("upsert by id must not duplicate, got %d files", len(snapshot.Files))
	}
	if snapshot.Files[0].Filename != "renamed.py" {
		t.Fatalf("expected in-place replacement, got %q", snapshot.Files[0].Filename)
	}
}

func TestDispatchRemoveFileCascadesAnnotationsAndReplies(t *testing.T) {
	store := NewStore()
	store.Dispatch(SetActiveProject{ProjectID: "proj-1"})
	store.Dispatch(UpsertFile{File: project.CodeFile{ID: "f1", Filename: "a.py"}})
	store.Dispatch(UpsertFile{File: project.CodeFile{ID: "f2", Filename: "b.py"}})
	store.Dispatch(UpsertAnnotation{Annotation: project.Annotation{ID: "ann-1", FileID: "f1"}})
	store.Dispatch(UpsertAnnotation{Annotation: project.Annotation{ID: "ann-2", FileID: "f2"}})
	store.Dispatch(UpsertReply{Reply: project.Reply{ID: "rep-1", AnnotationID: "ann-1"}})
	store.Dispatch(UpsertReply{Reply: project.Reply{ID: "rep-2", AnnotationID: "ann-2"}})

	snapshot := store.Dispatch(RemoveFile{FileID: "f1"})
	if len(snapshot.Files) != 1 || snapshot.Files[0].ID != "f2" {
		t.Fatalf("unexpected files %+v", snapshot.Files)
	}
	if len(snapshot.Annotations) != 1 || snapshot.Annotations[0].ID != "ann-2" {
		t.Fatalf("expected annotations of removed file to go, got %+v", snapshot.Annotations)
	}
	if len(snapshot.Replies) != 1 || snapshot.Replies[0].ID != "rep-2" {
		t.Fatalf("expected replies of removed annotations to go, got %+v", snapshot.Replies)
	}
}

func TestDispatchRemoveAnnotationDropsItsReplies(t *testing.T) {
	store := NewStore()
	store.Dispatch(UpsertAnnotation{Annotation: project.Annotation{ID: "ann-1", FileID: "f1"}})
	store.Dispatch(UpsertReply{Reply: project.Reply{ID: "rep-1", AnnotationID: "ann-1"}})
	store.Dispatch(UpsertReply{Reply: project.Reply{ID: "rep-2", AnnotationID: "ann-other"}})

	snapshot := store.Dispatch(RemoveAnnotation{AnnotationID: "ann-1"})
	if len(snapshot.Annotations) != 0 {
		t.Fatalf("expected annotation removed, got %+v", snapshot.Annotations)
	}
	if len(snapshot.Replies) != 1 || snapshot.Replies[0].ID != "rep-2" {
		t.Fatalf("unexpected replies %+v", snapshot.Replies)
	}
}

func TestMergeAnnotationsPartitionsBySyncState(t *testing.T) {
	store := NewStore()
	store.Dispatch(SetActiveProject{ProjectID: "proj-1"})
	store.Dispatch(ReplaceAnnotations{Annotations: []project.Annotation{
		{ID: "ann-shared", FileID: "f1", Content: "stale local"},
		{ID: "ann-unsynced", FileID: "f1"},
		{ID: "ann-deleted-elsewhere", FileID: "f1"},
	}})

	store.Dispatch(MergeAnnotations{
		Remote: []project.Annotation{
			{ID: "ann-remote", FileID: "f1"},
			{ID: "ann-shared", FileID: "f1", Content: "remote wins"},
		},
		SyncedIDs: map[string]struct{}{
			"ann-shared":            {},
			"ann-deleted-elsewhere": {},
		},
	})

	snapshot := store.Snapshot()
	byID := make(map[string]project.Annotation, len(snapshot.Annotations))
	for _, annotation := range snapshot.Annotations {
		byID[annotation.ID] = annotation
	}
	if len(snapshot.Annotations) != 3 {
		t.Fatalf("expected 3 merged annotations, got %d: %+v", len(snapshot.Annotations), snapshot.Annotations)
	}
	if _, ok := byID["ann-deleted-elsewhere"]; ok {
		t.Fatalf("previously synced annotation absent from remote must be dropped")
	}
	if _, ok := byID["ann-unsynced"]; !ok {
		t.Fatalf("unsynced local annotation must survive the merge")
	}
	if byID["ann-shared"].Content != "remote wins" {
		t.Fatalf("remote copy must win for a shared id, got %q", byID["ann-shared"].Content)
	}
}

func TestMergeFilesKeepsDirtyLocalCopy(t *testing.T) {
	store := NewStore()
	store.Dispatch(SetActiveProject{ProjectID: "proj-1"})
	store.Dispatch(ReplaceFiles{Files: []project.CodeFile{
		{ID: "f-dirty", Filename: "dirty.py", Content: "edited locally"},
		{ID: "f-clean", Filename: "clean.py", Content: "same"},
		{ID: "f-unsynced", Filename: "draft.py", Content: "local only"},
		{ID: "f-gone", Filename: "gone.py", Content: "x"},
	}})

	store.Dispatch(MergeFiles{
		Remote: []project.CodeFile{
			{ID: "f-dirty", Filename: "dirty.py", Content: "remote copy"},
			{ID: "f-clean", Filename: "clean.py", Content: "remote edit"},
			{ID: "f-new", Filename: "new.py", Content: "n"},
		},
		SyncedHashes: map[string]string{
			"f-dirty": project.Fingerprint("dirty.py", "last pushed"),
			"f-clean": project.Fingerprint("clean.py", "same"),
			"f-gone":  project.Fingerprint("gone.py", "x"),
		},
	})

	snapshot := store.Snapshot()
	byID := make(map[string]project.CodeFile, len(snapshot.Files))
	for _, file := range snapshot.Files {
		byID[file.ID] = file
	}
	if len(snapshot.Files) != 4 {
		t.Fatalf("expected 4 merged files, got %d: %+v", len(snapshot.Files), snapshot.Files)
	}
	if byID["f-dirty"].Content != "edited locally" {
		t.Fatalf("a local copy that drifted from its synced hash must be kept, got %q", byID["f-dirty"].Content)
	}
	if byID["f-clean"].Content != "remote edit" {
		t.Fatalf("a clean local copy must take the remote value, got %q", byID["f-clean"].Content)
	}
	if _, ok := byID["f-unsynced"]; !ok {
		t.Fatalf("never-synced local file must survive the merge")
	}
	if _, ok := byID["f-gone"]; ok {
		t.Fatalf("synced file absent from remote must be dropped")
	}
	if _, ok := byID["f-new"]; !ok {
		t.Fatalf("remote-only file must be added")
	}
}

func TestSetActiveProjectClearsPreviousState(t *testing.T) {
	store := NewStore()
	store.Dispatch(SetActiveProject{ProjectID: "proj-1"})
	store.Dispatch(UpsertFile{File: project.CodeFile{ID: "f1", Filename: "a.py"}})
	store.Dispatch(UpsertAnnotation{Annotation: project.Annotation{ID: "ann-1", FileID: "f1"}})

	snapshot := store.Dispatch(SetActiveProject{ProjectID: "proj-2"})
	if snapshot.ActiveProjectID != "proj-2" {
		t.Fatalf("unexpected active project %q", snapshot.ActiveProjectID)
	}
	if len(snapshot.Files) != 0 || len(snapshot.Annotations) != 0 {
		t.Fatalf("expected project switch to clear state, got %+v", snapshot)
	}

	// Re-dispatching the current project is a no-op, not a wipe.
	store.Dispatch(UpsertFile{File: project.CodeFile{ID: "f9", Filename: "keep.py"}})
	snapshot = store.Dispatch(SetActiveProject{ProjectID: "proj-2"})
	if len(snapshot.Files) != 1 {
		t.Fatalf("expected same-project dispatch to keep state, got %+v", snapshot.Files)
	}
}

func TestSubscribeReceivesSnapshotsAndCancelCloses(t *testing.T) {
	store := NewStore()
	updates, cancel := store.Subscribe()

	store.Dispatch(UpsertFile{File: project.CodeFile{ID: "f1", Filename: "a.py"}})
	select {
	case snapshot := <-updates:
		if len(snapshot.Files) != 1 {
			t.Fatalf("unexpected snapshot %+v", snapshot)
		}
	default:
		t.Fatalf("expected a snapshot to be delivered")
	}

	cancel()
	if _, open := <-updates; open {
		t.Fatalf("expected channel to close on cancel")
	}
}

func TestSnapshotIsolation(t *testing.T) {
	store := NewStore()
	store.Dispatch(UpsertFile{File: project.CodeFile{ID: "f1", Filename: "a.py"}})

	snapshot := store.Snapshot()
	snapshot.Files[0].Filename = "mutated.py"

	if store.Snapshot().Files[0].Filename != "a.py" {
		t.Fatalf("snapshot mutation leaked into the store")
	}
}
