package collab

import (
	"context"
	"fmt"
	"net/http/httptest"
	gosync "sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/margin/internal/auth"
	"github.com/MarcoPoloResearchLab/margin/internal/project"
	"github.com/MarcoPoloResearchLab/margin/internal/remote"
	"github.com/MarcoPoloResearchLab/margin/internal/server"
	"github.com/MarcoPoloResearchLab/margin/internal/session"
	"github.com/MarcoPoloResearchLab/margin/internal/store"
	syncengine "github.com/MarcoPoloResearchLab/margin/internal/sync"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const testJoinSecret = "collab-test-secret"

type manualClock struct {
	mu  gosync.Mutex
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

// testEnvironment is one store server shared by any number of test clients,
// all driven by the same manual clock.
type testEnvironment struct {
	clock   *manualClock
	baseURL string
}

func newTestEnvironment(t *testing.T) *testEnvironment {
	t.Helper()
	gin.SetMode(gin.TestMode)
	clock := newManualClock(time.Unix(1700000000, 0))

	dsn := fmt.Sprintf("file:margin_collab_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&store.FileRecord{}, &store.AnnotationRecord{}, &store.ReplyRecord{}, &store.DeletionRequestRecord{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	storeService, err := store.NewService(store.ServiceConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: project.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to build store service: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("collab-test-signing"),
		Issuer:        "margin-store",
		Audience:      "margin-clients",
		TokenTTL:      24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build token issuer: %v", err)
	}
	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: issuer,
		Store:        storeService,
		JoinSecret:   testJoinSecret,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	t.Cleanup(testServer.Close)
	return &testEnvironment{clock: clock, baseURL: testServer.URL}
}

// testClient is one full client stack: session store, remote client, both
// sync engines, and the orchestrator.
type testClient struct {
	session      *session.Store
	remote       *remote.Client
	files        *syncengine.FileEngine
	annotations  *syncengine.AnnotationEngine
	orchestrator *Orchestrator
}

func newTestClient(t *testing.T, env *testEnvironment, memberID string) *testClient {
	t.Helper()
	remoteClient, err := remote.NewClient(remote.ClientConfig{BaseURL: env.baseURL})
	if err != nil {
		t.Fatalf("failed to build remote client: %v", err)
	}
	if err := remoteClient.JoinSession(context.Background(), memberID, memberID, testJoinSecret); err != nil {
		t.Fatalf("failed to join session: %v", err)
	}

	sessionStore := session.NewStore()
	sessionStore.Dispatch(session.UpdateSettings{Settings: session.Settings{
		CollaborationEnabled: true,
		MemberID:             memberID,
		DisplayName:          memberID,
	}})

	fileEngine, err := syncengine.NewFileEngine(syncengine.FileEngineConfig{
		Session: sessionStore,
		Remote:  remoteClient,
		Clock:   env.clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to build file engine: %v", err)
	}
	annotationEngine, err := syncengine.NewAnnotationEngine(syncengine.AnnotationEngineConfig{
		Session: sessionStore,
		Remote:  remoteClient,
		Clock:   env.clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to build annotation engine: %v", err)
	}
	orchestrator, err := NewOrchestrator(OrchestratorConfig{
		Session:     sessionStore,
		Annotations: annotationEngine,
		Files:       fileEngine,
		IDProvider:  project.NewUUIDProvider(),
		Clock:       env.clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to build orchestrator: %v", err)
	}
	return &testClient{
		session:      sessionStore,
		remote:       remoteClient,
		files:        fileEngine,
		annotations:  annotationEngine,
		orchestrator: orchestrator,
	}
}

func mustJoinProject(t *testing.T, client *testClient, projectID string) {
	t.Helper()
	if err := client.orchestrator.JoinProject(context.Background(), projectID); err != nil {
		t.Fatalf("failed to join project: %v", err)
	}
}

func findSessionFile(t *testing.T, client *testClient, fileID string) project.CodeFile {
	t.Helper()
	for _, file := range client.session.Snapshot().Files {
		if file.ID == fileID {
			return file
		}
	}
	t.Fatalf("file %q not in session", fileID)
	return project.CodeFile{}
}
