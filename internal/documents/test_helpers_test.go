package documents

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity-collab/internal/crdt"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/lock"
	"github.com/alicebob/miniredis/v2"
	sqlite "github.com/glebarez/sqlite"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

type serviceFixture struct {
	service *Service
	db      *gorm.DB
	redis   *miniredis.Miniredis
	client  redis.UniversalClient
	locker  *lock.Coordinator
	now     time.Time
}

func mustDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	databasePath := filepath.Join(testContext.TempDir(), "documents.db")
	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	testContext.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := database.AutoMigrate(Models()...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

func mustFixture(testContext *testing.T, configure func(*ServiceConfig)) *serviceFixture {
	testContext.Helper()
	server := miniredis.RunT(testContext)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	testContext.Cleanup(func() {
		_ = client.Close()
	})
	locker, err := lock.NewCoordinator(lock.Config{Client: client, PollInterval: 2 * time.Millisecond})
	if err != nil {
		testContext.Fatalf("failed to create lock coordinator: %v", err)
	}
	fixture := &serviceFixture{
		db:     mustDatabase(testContext),
		redis:  server,
		client: client,
		locker: locker,
		now:    time.Unix(1700000000, 0).UTC(),
	}
	cfg := ServiceConfig{
		Database:   fixture.db,
		Engine:     crdt.NewTextEngine(),
		Locker:     locker,
		Cache:      NewRedisStateCache(client, time.Minute),
		IDProvider: NewULIDProvider(),
		Clock: func() time.Time {
			return fixture.now
		},
		SnapshotInterval: 100,
		LockTTL:          2 * time.Second,
		LockWait:         5 * time.Second,
	}
	if configure != nil {
		configure(&cfg)
	}
	service, err := NewService(cfg)
	if err != nil {
		testContext.Fatalf("failed to create service: %v", err)
	}
	fixture.service = service
	return fixture
}

func mustDocumentID(testContext *testing.T, value string) DocumentID {
	testContext.Helper()
	id, err := NewDocumentID(value)
	if err != nil {
		testContext.Fatalf("unexpected document id error: %v", err)
	}
	return id
}

// typeText inserts text one rune at a time at the end of doc and returns one update per rune.
func typeText(testContext *testing.T, doc *crdt.TextDoc, client uint64, text string) [][]byte {
	testContext.Helper()
	updates := make([][]byte, 0, len(text))
	for _, character := range text {
		update, err := doc.Insert(client, doc.Len(), string(character))
		if err != nil {
			testContext.Fatalf("insert failed: %v", err)
		}
		updates = append(updates, update)
	}
	return updates
}

func mustCommit(testContext *testing.T, service *Service, documentID DocumentID, update []byte, authorID string) CommitResult {
	testContext.Helper()
	result, err := service.Commit(context.Background(), CommitRequest{DocumentID: documentID, Fragment: update, AuthorID: authorID})
	if err != nil {
		testContext.Fatalf("commit failed: %v", err)
	}
	return result
}

func mustText(testContext *testing.T, service *Service, documentID DocumentID) string {
	testContext.Helper()
	state, err := service.GetState(context.Background(), documentID)
	if err != nil {
		testContext.Fatalf("get state failed: %v", err)
	}
	text, err := crdt.Text(service.Engine(), state.Update)
	if err != nil {
		testContext.Fatalf("render failed: %v", err)
	}
	return text
}
