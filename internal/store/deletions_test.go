package store

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/margin/internal/project"
)

func TestCreateDeletionRequestRequiresExistingFile(t *testing.T) {
	service, _, _ := newTestService(t, []string{"req-1"})

	_, err := service.CreateDeletionRequest(context.Background(),
		mustProjectID(t, "proj-1"), mustFileID(t, "ghost"), "ghost.py", "member-a")
	if err == nil {
		t.Fatalf("expected error for unknown file")
	}
}

func TestDeletionRequestConfirmRemovesFileAndRequest(t *testing.T) {
	service, db, _ := newTestService(t, []string{"req-1"})
	ctx := context.Background()
	projectID := mustProjectID(t, "proj-1")

	seedFile(t, service, "proj-1", "f1", "main.py", "print(1)")
	request, err := service.CreateDeletionRequest(ctx, projectID, mustFileID(t, "f1"), "main.py", "member-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if request.RequestID != "req-1" {
		t.Fatalf("unexpected request id %s", request.RequestID)
	}

	outcome, err := service.ResolveDeletionRequest(ctx, projectID, request.RequestID, project.ResolutionConfirm)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.RequestFound || !outcome.FileDeleted {
		t.Fatalf("expected confirm to delete file, got %+v", outcome)
	}

	for _, model := range []interface{}{&FileRecord{}, &DeletionRequestRecord{}} {
		var count int64
		if err := db.Model(model).Count(&count).Error; err != nil {
			t.Fatalf("failed to count rows: %v", err)
		}
		if count != 0 {
			t.Fatalf("expected %T rows to be gone, found %d", model, count)
		}
	}
}

func TestDeletionRequestRejectKeepsFileByteIdentical(t *testing.T) {
	service, db, _ := newTestService(t, []string{"req-1"})
	ctx := context.Background()
	projectID := mustProjectID(t, "proj-1")

	seeded := seedFile(t, service, "proj-1", "f1", "main.py", "print(1)")
	request, err := service.CreateDeletionRequest(ctx, projectID, mustFileID(t, "f1"), "main.py", "member-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	outcome, err := service.ResolveDeletionRequest(ctx, projectID, request.RequestID, project.ResolutionReject)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.RequestFound || outcome.FileDeleted {
		t.Fatalf("expected reject to keep the file, got %+v", outcome)
	}

	var stored FileRecord
	if err := db.First(&stored).Error; err != nil {
		t.Fatalf("failed to load file: %v", err)
	}
	if stored != seeded {
		t.Fatalf("expected file to be untouched, got %+v", stored)
	}

	requests, err := service.ListDeletionRequests(ctx, projectID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(requests) != 0 {
		t.Fatalf("expected pending list to be empty after reject")
	}
}

func TestConfirmAgainstAlreadyDeletedFileNoOps(t *testing.T) {
	service, _, _ := newTestService(t, []string{"req-1"})
	ctx := context.Background()
	projectID := mustProjectID(t, "proj-1")

	seedFile(t, service, "proj-1", "f1", "main.py", "print(1)")
	request, err := service.CreateDeletionRequest(ctx, projectID, mustFileID(t, "f1"), "main.py", "member-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Another member deletes the file directly before the confirm lands.
	if err := service.DeleteFile(ctx, projectID, mustFileID(t, "f1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	outcome, err := service.ResolveDeletionRequest(ctx, projectID, request.RequestID, project.ResolutionConfirm)
	if err != nil {
		t.Fatalf("confirm against deleted file must not error: %v", err)
	}
	if outcome.FileDeleted {
		t.Fatalf("expected no file deletion to be reported")
	}
}

func TestResolveUnknownRequestNoOps(t *testing.T) {
	service, _, _ := newTestService(t, nil)

	outcome, err := service.ResolveDeletionRequest(context.Background(),
		mustProjectID(t, "proj-1"), "ghost", project.ResolutionConfirm)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.RequestFound {
		t.Fatalf("expected unknown request to report not found")
	}
}

func TestListDeletionRequestsSweepsExpiredRows(t *testing.T) {
	service, db, clock := newTestService(t, []string{"req-1"})
	ctx := context.Background()
	projectID := mustProjectID(t, "proj-1")

	seedFile(t, service, "proj-1", "f1", "main.py", "print(1)")
	if _, err := service.CreateDeletionRequest(ctx, projectID, mustFileID(t, "f1"), "main.py", "member-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	clock.Advance(11 * time.Minute)
	requests, err := service.ListDeletionRequests(ctx, projectID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(requests) != 0 {
		t.Fatalf("expected expired request to be swept, got %d", len(requests))
	}

	var count int64
	if err := db.Model(&DeletionRequestRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count requests: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected expired rows to be deleted, found %d", count)
	}

	var file FileRecord
	if err := db.First(&file).Error; err != nil {
		t.Fatalf("expected file to survive expiry: %v", err)
	}
}
