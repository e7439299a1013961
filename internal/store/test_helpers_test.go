package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/margin/internal/project"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type staticIDGenerator struct {
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time {
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func mustProjectID(t *testing.T, value string) project.ProjectID {
	t.Helper()
	id, err := project.NewProjectID(value)
	if err != nil {
		t.Fatalf("unexpected project id error: %v", err)
	}
	return id
}

func mustFileID(t *testing.T, value string) project.FileID {
	t.Helper()
	id, err := project.NewFileID(value)
	if err != nil {
		t.Fatalf("unexpected file id error: %v", err)
	}
	return id
}

func newTestService(t *testing.T, ids []string) (*Service, *gorm.DB, *manualClock) {
	t.Helper()

	dsn := fmt.Sprintf("file:margin_store_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&FileRecord{}, &AnnotationRecord{}, &ReplyRecord{}, &DeletionRequestRecord{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := &manualClock{now: time.Unix(1700000000, 0).UTC()}
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: &staticIDGenerator{ids: ids},
	})
	if err != nil {
		t.Fatalf("failed to construct store service: %v", err)
	}
	return service, db, clock
}

func seedFile(t *testing.T, service *Service, projectID, fileID, filename, content string) FileRecord {
	t.Helper()
	outcome, err := service.UpsertFile(context.Background(), FileRecord{
		FileID:    fileID,
		ProjectID: projectID,
		Filename:  filename,
		Content:   content,
	}, nil)
	if err != nil {
		t.Fatalf("failed to seed file: %v", err)
	}
	if outcome.Skipped {
		t.Fatalf("seed upsert unexpectedly skipped")
	}
	return outcome.File
}
