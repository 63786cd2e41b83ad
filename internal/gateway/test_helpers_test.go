package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity-collab/internal/access"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/codec"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/crdt"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/documents"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/fanout"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/lock"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/offline"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/presence"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/ratelimit"
	"github.com/alicebob/miniredis/v2"
	sqlite "github.com/glebarez/sqlite"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"
)

const (
	testSecret     = "gateway-secret"
	testIssuer     = "gravity-auth"
	testAudience   = "gravity-api"
	testDocumentID = "doc-gateway"
	testOwnerID    = "owner-1"
	testViewerID   = "viewer-1"
	testEditorID   = "editor-1"
	frameTimeout   = 5 * time.Second
)

type gatewayFixture struct {
	db       *gorm.DB
	redis    *miniredis.Miniredis
	client   redis.UniversalClient
	checker  *access.Checker
	issuer   *auth.Issuer
	verifier *auth.Verifier
	counters *fanout.Counters
}

type gatewayInstance struct {
	gateway   *Gateway
	documents *documents.Service
	server    *httptest.Server
}

func mustDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	databasePath := filepath.Join(testContext.TempDir(), "gateway.db")
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
	if err := database.AutoMigrate(documents.Models()...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

func mustFixture(testContext *testing.T) *gatewayFixture {
	testContext.Helper()
	server := miniredis.RunT(testContext)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	testContext.Cleanup(func() {
		_ = client.Close()
	})
	database := mustDatabase(testContext)
	checker, err := access.NewChecker(access.Config{Database: database})
	if err != nil {
		testContext.Fatalf("failed to build checker: %v", err)
	}
	issuer, err := auth.NewIssuer(auth.IssuerConfig{SigningSecret: []byte(testSecret), Issuer: testIssuer, Audience: testAudience})
	if err != nil {
		testContext.Fatalf("failed to build issuer: %v", err)
	}
	verifier, err := auth.NewVerifier(auth.VerifierConfig{SigningSecret: []byte(testSecret), Issuer: testIssuer, Audience: testAudience})
	if err != nil {
		testContext.Fatalf("failed to build verifier: %v", err)
	}
	fixture := &gatewayFixture{
		db:       database,
		redis:    server,
		client:   client,
		checker:  checker,
		issuer:   issuer,
		verifier: verifier,
		counters: fanout.NewCounters(client),
	}
	fixture.mustRegister(testContext, testDocumentID, 0)
	return fixture
}

func (fixture *gatewayFixture) mustRegister(testContext *testing.T, documentID string, capacity int) {
	testContext.Helper()
	ctx := context.Background()
	if err := fixture.checker.Register(ctx, access.Registration{
		DocumentID: documents.DocumentID(documentID),
		OwnerID:    testOwnerID,
		Title:      "Shared",
		Capacity:   capacity,
	}); err != nil {
		testContext.Fatalf("failed to register document: %v", err)
	}
	if err := fixture.checker.Grant(ctx, documents.DocumentID(documentID), testViewerID, access.RoleViewer); err != nil {
		testContext.Fatalf("failed to grant viewer: %v", err)
	}
	if err := fixture.checker.Grant(ctx, documents.DocumentID(documentID), testEditorID, access.RoleEditor); err != nil {
		testContext.Fatalf("failed to grant editor: %v", err)
	}
}

// mustInstance builds one gateway process over the shared database and Redis.
func (fixture *gatewayFixture) mustInstance(testContext *testing.T, instanceID string, configure func(*Config)) *gatewayInstance {
	testContext.Helper()
	locker, err := lock.NewCoordinator(lock.Config{Client: fixture.client, PollInterval: 2 * time.Millisecond})
	if err != nil {
		testContext.Fatalf("failed to build locker: %v", err)
	}
	service, err := documents.NewService(documents.ServiceConfig{
		Database:   fixture.db,
		Engine:     crdt.NewTextEngine(),
		Locker:     locker,
		Cache:      documents.NewRedisStateCache(fixture.client, time.Minute),
		IDProvider: documents.NewULIDProvider(),
		LockWait:   5 * time.Second,
	})
	if err != nil {
		testContext.Fatalf("failed to build document service: %v", err)
	}
	tracker, err := presence.NewTracker(presence.TrackerConfig{Client: fixture.client, MinInterval: time.Millisecond})
	if err != nil {
		testContext.Fatalf("failed to build tracker: %v", err)
	}
	claims, err := presence.NewClaims(presence.ClaimsConfig{Client: fixture.client})
	if err != nil {
		testContext.Fatalf("failed to build claims: %v", err)
	}
	queue, err := offline.NewQueue(offline.Config{Client: fixture.client, InstanceID: instanceID})
	if err != nil {
		testContext.Fatalf("failed to build offline queue: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	bus, err := fanout.NewBus(ctx, fanout.BusConfig{Client: fixture.client, InstanceID: instanceID})
	if err != nil {
		cancel()
		testContext.Fatalf("failed to build bus: %v", err)
	}
	cfg := Config{
		Verifier:    fixture.verifier,
		Access:      fixture.checker,
		Documents:   service,
		Client:      fixture.client,
		Presence:    tracker,
		Claims:      claims,
		Offline:     queue,
		Bus:         bus,
		Counters:    fixture.counters,
		Governor:    mustGovernor(testContext, fixture, 1000),
		BatchWindow: 5 * time.Millisecond,
	}
	if configure != nil {
		configure(&cfg)
	}
	gateway, err := New(cfg)
	if err != nil {
		cancel()
		testContext.Fatalf("failed to build gateway: %v", err)
	}
	gateway.Start(ctx)
	server := httptest.NewServer(gateway)
	testContext.Cleanup(func() {
		server.Close()
		gateway.Close()
		cancel()
		_ = bus.Close()
	})
	return &gatewayInstance{gateway: gateway, documents: service, server: server}
}

func mustGovernor(testContext *testing.T, fixture *gatewayFixture, perSecond float64) *ratelimit.Governor {
	testContext.Helper()
	governor, err := ratelimit.NewGovernor(ratelimit.Config{
		Client:                  fixture.client,
		ConnectionMsgsPerSecond: perSecond,
		DocumentMsgsPerSecond:   1000,
	})
	if err != nil {
		testContext.Fatalf("failed to build governor: %v", err)
	}
	return governor
}

func waitForQueued(testContext *testing.T, instance *gatewayInstance, documentID string, userID string, expected int64) {
	testContext.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		length, err := instance.gateway.offline.Len(context.Background(), documentID, userID)
		if err == nil && length == expected {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	testContext.Fatalf("expected %d queued events for %s", expected, userID)
}

func (fixture *gatewayFixture) mustToken(testContext *testing.T, userID string) string {
	testContext.Helper()
	issued, err := fixture.issuer.Issue(context.Background(), auth.Grant{UserID: userID})
	if err != nil {
		testContext.Fatalf("failed to issue token: %v", err)
	}
	return issued.Token
}

type testClient struct {
	testContext *testing.T
	socket      *websocket.Conn
}

func websocketURL(server *httptest.Server, token string) string {
	target := "ws" + strings.TrimPrefix(server.URL, "http")
	if token == "" {
		return target
	}
	return target + "?" + auth.AccessTokenQueryParameter + "=" + url.QueryEscape(token)
}

func mustDial(testContext *testing.T, instance *gatewayInstance, token string) *testClient {
	testContext.Helper()
	socket, response, err := websocket.DefaultDialer.Dial(websocketURL(instance.server, token), nil)
	if err != nil {
		status := 0
		if response != nil {
			status = response.StatusCode
		}
		testContext.Fatalf("dial failed (status %d): %v", status, err)
	}
	testContext.Cleanup(func() {
		_ = socket.Close()
	})
	return &testClient{testContext: testContext, socket: socket}
}

func (client *testClient) send(event string, data any) {
	client.testContext.Helper()
	encoded, err := json.Marshal(data)
	if err != nil {
		client.testContext.Fatalf("failed to encode %s: %v", event, err)
	}
	if err := client.socket.WriteJSON(Frame{Event: event, Data: encoded}); err != nil {
		client.testContext.Fatalf("failed to send %s: %v", event, err)
	}
}

func (client *testClient) next() Frame {
	client.testContext.Helper()
	_ = client.socket.SetReadDeadline(time.Now().Add(frameTimeout))
	var frame Frame
	if err := client.socket.ReadJSON(&frame); err != nil {
		client.testContext.Fatalf("failed to read frame: %v", err)
	}
	return frame
}

// expect skips frames until one with event arrives and decodes its data into target.
func (client *testClient) expect(event string, target any) {
	client.testContext.Helper()
	for {
		frame := client.next()
		if frame.Event != event {
			continue
		}
		if target != nil {
			if err := json.Unmarshal(frame.Data, target); err != nil {
				client.testContext.Fatalf("failed to decode %s: %v", event, err)
			}
		}
		return
	}
}

func (client *testClient) join(documentID string) StatePayload {
	client.testContext.Helper()
	client.send(EventJoin, documentRequest{DocumentID: documentID})
	var state StatePayload
	client.expect(EventInitialState, &state)
	return state
}

func (client *testClient) update(documentID string, update []byte, msgID string, senderSeq *int64) AckPayload {
	client.testContext.Helper()
	client.send(EventUpdate, updateRequest{
		DocumentID: documentID,
		Update:     base64.StdEncoding.EncodeToString(update),
		MsgID:      msgID,
		SenderSeq:  senderSeq,
	})
	var ack AckPayload
	client.expect(EventAck, &ack)
	return ack
}

func mustWireBytes(testContext *testing.T, payload codec.WirePayload) []byte {
	testContext.Helper()
	raw, err := base64.StdEncoding.DecodeString(payload.Base64)
	if err != nil {
		testContext.Fatalf("invalid base64: %v", err)
	}
	if payload.Gzip {
		raw, err = codec.Decompress(raw)
		if err != nil {
			testContext.Fatalf("invalid gzip: %v", err)
		}
	}
	return raw
}

func mustInsert(testContext *testing.T, doc *crdt.TextDoc, client uint64, position int, text string) []byte {
	testContext.Helper()
	update, err := doc.Insert(client, position, text)
	if err != nil {
		testContext.Fatalf("insert failed: %v", err)
	}
	return update
}

func waitForSubscribers(testContext *testing.T, server *miniredis.Miniredis, channel string, expected int) {
	testContext.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if server.PubSubNumSub(channel)[channel] == expected {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	testContext.Fatalf("expected %d subscribers on %s", expected, channel)
}

func dialStatus(testContext *testing.T, target string, header http.Header) int {
	testContext.Helper()
	socket, response, err := websocket.DefaultDialer.Dial(target, header)
	if err == nil {
		_ = socket.Close()
		return http.StatusSwitchingProtocols
	}
	if response == nil {
		testContext.Fatalf("dial failed without response: %v", err)
	}
	return response.StatusCode
}

func int64Pointer(value int64) *int64 {
	return &value
}
