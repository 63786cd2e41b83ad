// Package gateway serves the realtime websocket protocol: rooms per document, update intake
// through the batcher, presence and claims, offline delivery and cross-instance fanout.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity-collab/internal/access"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/batcher"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/crdt"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/documents"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/fanout"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/offline"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/presence"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/ratelimit"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const (
	defaultRoomCapacity      = 100
	defaultCompressThreshold = 2048
	defaultUpdateMaxBytes    = 1 << 20
	defaultDedupTTL          = 60 * time.Second
	defaultSenderSeqTTL      = 300 * time.Second
	defaultDrainLimit        = 1000
	redisTimeout             = 2 * time.Second
)

var (
	errMissingVerifier  = errors.New("token verifier is required")
	errMissingAccess    = errors.New("access checker is required")
	errMissingDocuments = errors.New("document store is required")
	errMissingClient    = errors.New("redis client is required")
	errMissingPresence  = errors.New("presence tracker and claims are required")
	errMissingOffline   = errors.New("offline queue is required")
	errMissingBus       = errors.New("fanout bus is required")
	errMissingGovernor  = errors.New("rate governor is required")
	noOpLogger          = zap.NewNop()
)

// Verifier validates bearer tokens.
type Verifier interface {
	Verify(token string) (auth.Identity, error)
}

// AccessChecker answers role checks and room sizing.
type AccessChecker interface {
	HasAccess(ctx context.Context, userID string, documentID documents.DocumentID, required access.Role) (bool, error)
	Recipients(ctx context.Context, documentID documents.DocumentID) ([]string, error)
	Capacity(ctx context.Context, documentID documents.DocumentID, fallback int) (int, error)
}

// DocumentStore is the durable state the gateway reads and commits into.
type DocumentStore interface {
	batcher.Committer
	Engine() crdt.Engine
	GetState(ctx context.Context, documentID documents.DocumentID) (documents.State, error)
	SyncDiff(ctx context.Context, documentID documents.DocumentID, vector []byte) (documents.SyncResult, error)
	AddChangeListener(listener documents.ChangeListener)
}

// Config wires the gateway. Registry and Counters are optional.
type Config struct {
	Verifier  Verifier
	Access    AccessChecker
	Documents DocumentStore
	Client    redis.UniversalClient
	Presence  *presence.Tracker
	Claims    *presence.Claims
	Offline   *offline.Queue
	Bus       *fanout.Bus
	Registry  *fanout.Registry
	Counters  *fanout.Counters
	Governor  *ratelimit.Governor
	Logger    *zap.Logger

	RoomCapacity      int
	CompressThreshold int
	UpdateMaxBytes    int
	DedupTTL          time.Duration
	SenderSeqTTL      time.Duration
	DrainLimit        int
	AllowedOrigins    []string
	BatchWindow       time.Duration
	BatchMaxUpdates   int
	BatchMaxBytes     int
}

// Gateway owns every piece of per-process realtime state. Construct one per process.
type Gateway struct {
	verifier  Verifier
	access    AccessChecker
	documents DocumentStore
	client    redis.UniversalClient
	presence  *presence.Tracker
	claims    *presence.Claims
	offline   *offline.Queue
	bus       *fanout.Bus
	registry  *fanout.Registry
	counters  *fanout.Counters
	governor  *ratelimit.Governor
	batcher   *batcher.Batcher
	logger    *zap.Logger
	upgrader  websocket.Upgrader
	rooms     *hub

	roomCapacity      int
	compressThreshold int
	updateMaxBytes    int
	dedupTTL          time.Duration
	senderSeqTTL      time.Duration
	drainLimit        int

	closeOnce sync.Once
	closed    chan struct{}
}

// New validates the configuration, builds the batcher and subscribes to document changes.
func New(cfg Config) (*Gateway, error) {
	switch {
	case cfg.Verifier == nil:
		return nil, errMissingVerifier
	case cfg.Access == nil:
		return nil, errMissingAccess
	case cfg.Documents == nil:
		return nil, errMissingDocuments
	case cfg.Client == nil:
		return nil, errMissingClient
	case cfg.Presence == nil || cfg.Claims == nil:
		return nil, errMissingPresence
	case cfg.Offline == nil:
		return nil, errMissingOffline
	case cfg.Bus == nil:
		return nil, errMissingBus
	case cfg.Governor == nil:
		return nil, errMissingGovernor
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	gateway := &Gateway{
		verifier:          cfg.Verifier,
		access:            cfg.Access,
		documents:         cfg.Documents,
		client:            cfg.Client,
		presence:          cfg.Presence,
		claims:            cfg.Claims,
		offline:           cfg.Offline,
		bus:               cfg.Bus,
		registry:          cfg.Registry,
		counters:          cfg.Counters,
		governor:          cfg.Governor,
		logger:            logger,
		rooms:             newHub(),
		roomCapacity:      positiveOr(cfg.RoomCapacity, defaultRoomCapacity),
		compressThreshold: positiveOr(cfg.CompressThreshold, defaultCompressThreshold),
		updateMaxBytes:    positiveOr(cfg.UpdateMaxBytes, defaultUpdateMaxBytes),
		dedupTTL:          durationOr(cfg.DedupTTL, defaultDedupTTL),
		senderSeqTTL:      durationOr(cfg.SenderSeqTTL, defaultSenderSeqTTL),
		drainLimit:        positiveOr(cfg.DrainLimit, defaultDrainLimit),
		closed:            make(chan struct{}),
	}
	gateway.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}

	updateBatcher, err := batcher.New(batcher.Config{
		Engine:      cfg.Documents.Engine(),
		Committer:   cfg.Documents,
		Window:      cfg.BatchWindow,
		MaxUpdates:  cfg.BatchMaxUpdates,
		MaxBytes:    cfg.BatchMaxBytes,
		OnCommitted: gateway.handleBatchCommitted,
		OnFailure:   gateway.handleBatchFailure,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	gateway.batcher = updateBatcher
	cfg.Documents.AddChangeListener(gateway.handleChange)
	return gateway, nil
}

// Start relays fanout messages from other instances until ctx is done.
func (gateway *Gateway) Start(ctx context.Context) {
	go gateway.bus.Run(ctx, gateway.handleFanout)
	go gateway.refreshOnline(ctx)
}

// refreshOnline keeps this instance's online counts alive while it hosts rooms.
func (gateway *Gateway) refreshOnline(ctx context.Context) {
	ticker := time.NewTicker(gateway.offline.OnlineRefreshInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-gateway.closed:
			return
		case <-ticker.C:
			if err := gateway.offline.RefreshOnline(ctx, gateway.rooms.documents()); err != nil {
				gateway.logger.Warn("online refresh failed", zap.Error(err))
			}
		}
	}
}

// Close disconnects every client and flushes buffered updates.
func (gateway *Gateway) Close() {
	gateway.closeOnce.Do(func() {
		close(gateway.closed)
		for _, conn := range gateway.rooms.all() {
			conn.close()
		}
		gateway.batcher.Close()
	})
}

// ServeHTTP authenticates the caller and upgrades the request to a websocket session.
func (gateway *Gateway) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	select {
	case <-gateway.closed:
		http.Error(writer, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	identity, err := gateway.verifier.Verify(auth.TokenFromRequest(request))
	if err != nil {
		gateway.logger.Warn("websocket authentication failed", zap.Error(err))
		http.Error(writer, CodeUnauthorized, http.StatusUnauthorized)
		return
	}
	socket, err := gateway.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		gateway.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := newConnection(gateway, ulid.Make().String(), identity, socket)
	gateway.rooms.register(conn)
	if !identity.ExpiresAt.IsZero() {
		expiry := time.AfterFunc(time.Until(identity.ExpiresAt), func() {
			conn.emitError("", "", CodeUnauthorized, "token expired")
			conn.close()
		})
		go func() {
			<-conn.ctx.Done()
			expiry.Stop()
		}()
	}
	conn.logger.Info("websocket connected", zap.Bool("guest", identity.Guest))
	go conn.writePump()
	go conn.readPump()
}

// Stats is a point-in-time view of local realtime load.
type Stats struct {
	InstanceID  string `json:"instanceId"`
	Connections int    `json:"connections"`
	Rooms       int    `json:"rooms"`
}

// Stats reports the connections and rooms held by this process.
func (gateway *Gateway) Stats() Stats {
	connections, rooms := gateway.rooms.counts()
	return Stats{InstanceID: gateway.bus.InstanceID(), Connections: connections, Rooms: rooms}
}

func (gateway *Gateway) dispatch(conn *connection, frame Frame) {
	switch frame.Event {
	case EventJoin:
		gateway.handleJoin(conn, frame.Data)
	case EventLeave:
		gateway.handleLeave(conn, frame.Data)
	case EventUpdate:
		gateway.handleUpdate(conn, frame.Data)
	case EventSync:
		gateway.handleSync(conn, frame.Data)
	case EventPresence:
		gateway.handlePresence(conn, frame.Data)
	case EventClaim:
		gateway.handleClaim(conn, frame.Data)
	case EventReleaseClaim:
		gateway.handleReleaseClaim(conn, frame.Data)
	case EventPing:
		gateway.handlePing(conn)
	default:
		conn.emitError(frame.Event, "", CodeBadRequest, "unknown event")
	}
}

// disconnect leaves every joined room. Runs once per connection.
func (gateway *Gateway) disconnect(conn *connection) {
	for _, documentID := range conn.joinedDocuments() {
		gateway.leaveRoom(conn, documentID)
	}
	gateway.rooms.unregister(conn)
	gateway.governor.Forget(conn.id)
	conn.logger.Info("websocket disconnected")
}

func (gateway *Gateway) redisContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, redisTimeout)
}

func originChecker(allowed []string) func(*http.Request) bool {
	normalized := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		trimmed := strings.TrimRight(strings.TrimSpace(origin), "/")
		if trimmed != "" {
			normalized[trimmed] = true
		}
	}
	return func(request *http.Request) bool {
		if len(normalized) == 0 || normalized["*"] {
			return true
		}
		origin := strings.TrimRight(request.Header.Get("Origin"), "/")
		if origin == "" {
			return true
		}
		return normalized[origin]
	}
}

func positiveOr(value int, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}

func durationOr(value time.Duration, fallback time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return fallback
}
