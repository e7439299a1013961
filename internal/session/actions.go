package session

import "github.com/MarcoPoloResearchLab/margin/internal/project"

// SetActiveProject switches the document to a project and clears any state
// belonging to the previous one.
type SetActiveProject struct {
	ProjectID string
}

func (a SetActiveProject) apply(state *State) {
	if state.ActiveProjectID == a.ProjectID {
		return
	}
	state.ActiveProjectID = a.ProjectID
	state.Files = nil
	state.Annotations = nil
	state.Replies = nil
}

// ClearActiveProject leaves the current project and drops its local state.
type ClearActiveProject struct{}

func (a ClearActiveProject) apply(state *State) {
	state.ActiveProjectID = ""
	state.Files = nil
	state.Annotations = nil
	state.Replies = nil
}

// UpdateSettings replaces the client settings document.
type UpdateSettings struct {
	Settings Settings
}

func (a UpdateSettings) apply(state *State) {
	state.Settings = a.Settings
}

// ReplaceFiles swaps the entire file list, keeping display order stable.
type ReplaceFiles struct {
	Files []project.CodeFile
}

func (a ReplaceFiles) apply(state *State) {
	state.Files = append([]project.CodeFile(nil), a.Files...)
	sortFiles(state.Files)
}

// UpsertFile inserts or replaces one file by id.
type UpsertFile struct {
	File project.CodeFile
}

func (a UpsertFile) apply(state *State) {
	for index := range state.Files {
		if state.Files[index].ID == a.File.ID {
			state.Files[index] = a.File
			sortFiles(state.Files)
			return
		}
	}
	state.Files = append(state.Files, a.File)
	sortFiles(state.Files)
}

// RemoveFile drops one file together with its annotations and their replies.
type RemoveFile struct {
	FileID string
}

func (a RemoveFile) apply(state *State) {
	files := state.Files[:0]
	for _, file := range state.Files {
		if file.ID != a.FileID {
			files = append(files, file)
		}
	}
	state.Files = files

	removedAnnotationIDs := make(map[string]struct{})
	annotations := state.Annotations[:0]
	for _, annotation := range state.Annotations {
		if annotation.FileID == a.FileID {
			removedAnnotationIDs[annotation.ID] = struct{}{}
			continue
		}
		annotations = append(annotations, annotation)
	}
	state.Annotations = annotations

	replies := state.Replies[:0]
	for _, reply := range state.Replies {
		if _, removed := removedAnnotationIDs[reply.AnnotationID]; !removed {
			replies = append(replies, reply)
		}
	}
	state.Replies = replies
}

// MergeFiles reconciles a remote file snapshot against the current file list.
// A remote file replaces the local copy unless the local copy has drifted from
// its synced hash, in which case the local edit is kept until its own save
// settles the winner. A local file absent from the snapshot survives only if
// it was never synced; a synced id missing remotely was deleted elsewhere.
// Applying inside the reducer keeps the partition atomic with respect to
// mutations dispatched while the snapshot was in flight.
type MergeFiles struct {
	Remote []project.CodeFile
	// SyncedHashes maps a file id to the name+content fingerprint the engine
	// last wrote to or read from the store. Presence means synced.
	SyncedHashes map[string]string
	// Authoritative drops the dirty-local exception: the remote copy wins for
	// every shared id. Never-synced local files still survive.
	Authoritative bool
}

func (a MergeFiles) apply(state *State) {
	localByID := make(map[string]project.CodeFile, len(state.Files))
	for _, file := range state.Files {
		localByID[file.ID] = file
	}
	remoteIDs := make(map[string]struct{}, len(a.Remote))

	merged := make([]project.CodeFile, 0, len(a.Remote))
	for _, remoteFile := range a.Remote {
		remoteIDs[remoteFile.ID] = struct{}{}
		local, existsLocally := localByID[remoteFile.ID]
		if existsLocally && !a.Authoritative {
			if hash, wasSynced := a.SyncedHashes[local.ID]; wasSynced && project.Fingerprint(local.Filename, local.Content) != hash {
				merged = append(merged, local)
				continue
			}
		}
		merged = append(merged, remoteFile)
	}
	for _, file := range state.Files {
		if _, inRemote := remoteIDs[file.ID]; inRemote {
			continue
		}
		if _, wasSynced := a.SyncedHashes[file.ID]; wasSynced {
			continue
		}
		merged = append(merged, file)
	}
	state.Files = merged
	sortFiles(state.Files)
}

// MergeAnnotations reconciles a remote annotation snapshot against the current
// annotation list: every remote item, plus every local item that was never
// synced. A synced id missing remotely was deleted elsewhere and is dropped.
type MergeAnnotations struct {
	Remote    []project.Annotation
	SyncedIDs map[string]struct{}
}

func (a MergeAnnotations) apply(state *State) {
	remoteIDs := make(map[string]struct{}, len(a.Remote))
	for _, annotation := range a.Remote {
		remoteIDs[annotation.ID] = struct{}{}
	}
	merged := append([]project.Annotation(nil), a.Remote...)
	for _, annotation := range state.Annotations {
		if _, inRemote := remoteIDs[annotation.ID]; inRemote {
			continue
		}
		if _, wasSynced := a.SyncedIDs[annotation.ID]; wasSynced {
			continue
		}
		merged = append(merged, annotation)
	}
	state.Annotations = merged
}

// MergeReplies reconciles a remote reply snapshot with the same partition rule
// as MergeAnnotations.
type MergeReplies struct {
	Remote    []project.Reply
	SyncedIDs map[string]struct{}
}

func (a MergeReplies) apply(state *State) {
	remoteIDs := make(map[string]struct{}, len(a.Remote))
	for _, reply := range a.Remote {
		remoteIDs[reply.ID] = struct{}{}
	}
	merged := append([]project.Reply(nil), a.Remote...)
	for _, reply := range state.Replies {
		if _, inRemote := remoteIDs[reply.ID]; inRemote {
			continue
		}
		if _, wasSynced := a.SyncedIDs[reply.ID]; wasSynced {
			continue
		}
		merged = append(merged, reply)
	}
	state.Replies = merged
}

// ReplaceAnnotations swaps the entire annotation list.
type ReplaceAnnotations struct {
	Annotations []project.Annotation
}

func (a ReplaceAnnotations) apply(state *State) {
	state.Annotations = append([]project.Annotation(nil), a.Annotations...)
}

// UpsertAnnotation inserts or replaces one annotation by id.
type UpsertAnnotation struct {
	Annotation project.Annotation
}

func (a UpsertAnnotation) apply(state *State) {
	for index := range state.Annotations {
		if state.Annotations[index].ID == a.Annotation.ID {
			state.Annotations[index] = a.Annotation
			return
		}
	}
	state.Annotations = append(state.Annotations, a.Annotation)
}

// RemoveAnnotation drops one annotation and its replies.
type RemoveAnnotation struct {
	AnnotationID string
}

func (a RemoveAnnotation) apply(state *State) {
	annotations := state.Annotations[:0]
	for _, annotation := range state.Annotations {
		if annotation.ID != a.AnnotationID {
			annotations = append(annotations, annotation)
		}
	}
	state.Annotations = annotations

	replies := state.Replies[:0]
	for _, reply := range state.Replies {
		if reply.AnnotationID != a.AnnotationID {
			replies = append(replies, reply)
		}
	}
	state.Replies = replies
}

// ReplaceReplies swaps the entire reply list.
type ReplaceReplies struct {
	Replies []project.Reply
}

func (a ReplaceReplies) apply(state *State) {
	state.Replies = append([]project.Reply(nil), a.Replies...)
}

// UpsertReply inserts or replaces one reply by id.
type UpsertReply struct {
	Reply project.Reply
}

func (a UpsertReply) apply(state *State) {
	for index := range state.Replies {
		if state.Replies[index].ID == a.Reply.ID {
			state.Replies[index] = a.Reply
			return
		}
	}
	state.Replies = append(state.Replies, a.Reply)
}

// RemoveReply drops one reply by id.
type RemoveReply struct {
	ReplyID string
}

func (a RemoveReply) apply(state *State) {
	replies := state.Replies[:0]
	for _, reply := range state.Replies {
		if reply.ID != a.ReplyID {
			replies = append(replies, reply)
		}
	}
	state.Replies = replies
}
