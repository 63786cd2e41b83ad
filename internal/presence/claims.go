package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	claimKeyPrefix     = "collab:claim:doc:"
	claimIndexPrefix   = "collab:claims:doc:"
	defaultClaimTTL    = 60 * time.Second
	minimumClaimTTL    = 10 * time.Second
	maximumClaimTTL    = 600 * time.Second
	minimumClaimIndex  = 120 * time.Second
	minimumClaimOffset = 1
)

var (
	// ErrNotOwner indicates that a claim release was attempted by someone other than its owner.
	ErrNotOwner = errors.New("presence: claim owned by another user")
	// ErrClaimNotFound indicates that the claim does not exist or already expired.
	ErrClaimNotFound = errors.New("presence: claim not found")
)

// storeClaimScript writes the claim key, indexes it and extends the index TTL. The index TTL only
// grows so a short claim never expires the index under a longer one.
var storeClaimScript = redis.NewScript(`
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
redis.call("SADD", KEYS[2], ARGV[3])
if redis.call("PTTL", KEYS[2]) < tonumber(ARGV[4]) then
	redis.call("PEXPIRE", KEYS[2], ARGV[4])
end
return 1
`)

// Claim is an advisory soft lock over a document range.
type Claim struct {
	ClaimID    string `json:"claimId"`
	DocumentID string `json:"documentId"`
	From       int    `json:"from"`
	To         int    `json:"to"`
	OwnerID    string `json:"userId"`
	CreatedAt  int64  `json:"ts"`
	TTLSeconds int    `json:"ttl"`
}

// ClaimRequest describes a requested range. Out-of-range bounds are clamped rather than rejected.
type ClaimRequest struct {
	DocumentID string
	From       int
	To         int
	OwnerID    string
	TTL        time.Duration
}

// ClaimsConfig wires the claims tracker.
type ClaimsConfig struct {
	Client redis.UniversalClient
	Clock  func() time.Time
	Logger *zap.Logger
}

// Claims stores each claim under its own TTL'd key and indexes claim ids per document.
type Claims struct {
	client redis.UniversalClient
	clock  func() time.Time
	logger *zap.Logger
}

// NewClaims validates the configuration and constructs Claims.
func NewClaims(cfg ClaimsConfig) (*Claims, error) {
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Claims{client: cfg.Client, clock: clock, logger: logger}, nil
}

// ClampTTL bounds a requested claim TTL; zero selects the default.
func ClampTTL(requested time.Duration) time.Duration {
	if requested <= 0 {
		return defaultClaimTTL
	}
	if requested < minimumClaimTTL {
		return minimumClaimTTL
	}
	if requested > maximumClaimTTL {
		return maximumClaimTTL
	}
	return requested.Truncate(time.Second)
}

// Claim records a new claim and returns it with its generated id.
func (claims *Claims) Claim(ctx context.Context, request ClaimRequest) (Claim, error) {
	from := request.From
	if from < minimumClaimOffset {
		from = minimumClaimOffset
	}
	to := request.To
	if to < from {
		to = from
	}
	ttl := ClampTTL(request.TTL)
	claimID, err := uuid.NewV7()
	if err != nil {
		return Claim{}, fmt.Errorf("claim id: %w", err)
	}
	claim := Claim{
		ClaimID:    claimID.String(),
		DocumentID: request.DocumentID,
		From:       from,
		To:         to,
		OwnerID:    request.OwnerID,
		CreatedAt:  claims.clock().UnixMilli(),
		TTLSeconds: int(ttl / time.Second),
	}
	payload, err := json.Marshal(claim)
	if err != nil {
		return Claim{}, err
	}
	indexTTL := ttl
	if indexTTL < minimumClaimIndex {
		indexTTL = minimumClaimIndex
	}
	keys := []string{claims.claimKey(request.DocumentID, claim.ClaimID), claims.indexKey(request.DocumentID)}
	if err := storeClaimScript.Run(ctx, claims.client, keys,
		string(payload), ttl.Milliseconds(), claim.ClaimID, indexTTL.Milliseconds()).Err(); err != nil {
		return Claim{}, fmt.Errorf("claim store: %w", err)
	}
	return claim, nil
}

// Get returns a live claim.
func (claims *Claims) Get(ctx context.Context, documentID string, claimID string) (Claim, error) {
	raw, err := claims.client.Get(ctx, claims.claimKey(documentID, claimID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Claim{}, ErrClaimNotFound
	}
	if err != nil {
		return Claim{}, fmt.Errorf("claim load: %w", err)
	}
	var claim Claim
	if err := json.Unmarshal(raw, &claim); err != nil {
		return Claim{}, fmt.Errorf("claim decode: %w", err)
	}
	return claim, nil
}

// Release deletes the claim when ownerID is its recorded owner.
func (claims *Claims) Release(ctx context.Context, documentID string, claimID string, ownerID string) error {
	claim, err := claims.Get(ctx, documentID, claimID)
	if errors.Is(err, ErrClaimNotFound) {
		if remErr := claims.client.SRem(ctx, claims.indexKey(documentID), claimID).Err(); remErr != nil {
			claims.logger.Warn("claim index prune failed", zap.String("document_id", documentID), zap.Error(remErr))
		}
		return err
	}
	if err != nil {
		return err
	}
	if claim.OwnerID != ownerID {
		return ErrNotOwner
	}
	return claims.remove(ctx, documentID, claimID)
}

// List returns live claims for a document ordered by range start.
func (claims *Claims) List(ctx context.Context, documentID string) ([]Claim, error) {
	indexKey := claims.indexKey(documentID)
	claimIDs, err := claims.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("claim index: %w", err)
	}
	if len(claimIDs) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(claimIDs))
	for _, claimID := range claimIDs {
		keys = append(keys, claims.claimKey(documentID, claimID))
	}
	values, err := claims.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("claim load: %w", err)
	}
	result := make([]Claim, 0, len(values))
	expired := make([]any, 0)
	for index, value := range values {
		raw, ok := value.(string)
		if !ok {
			expired = append(expired, claimIDs[index])
			continue
		}
		var claim Claim
		if err := json.Unmarshal([]byte(raw), &claim); err != nil {
			expired = append(expired, claimIDs[index])
			continue
		}
		result = append(result, claim)
	}
	if len(expired) > 0 {
		if err := claims.client.SRem(ctx, indexKey, expired...).Err(); err != nil {
			claims.logger.Warn("claim index prune failed", zap.String("document_id", documentID), zap.Error(err))
		}
	}
	sort.Slice(result, func(left, right int) bool {
		if result[left].From != result[right].From {
			return result[left].From < result[right].From
		}
		return result[left].ClaimID < result[right].ClaimID
	})
	return result, nil
}

// ReleaseOwned removes every claim of ownerID in a document and returns the released claims.
func (claims *Claims) ReleaseOwned(ctx context.Context, documentID string, ownerID string) ([]Claim, error) {
	live, err := claims.List(ctx, documentID)
	if err != nil {
		return nil, err
	}
	released := make([]Claim, 0)
	for _, claim := range live {
		if claim.OwnerID != ownerID {
			continue
		}
		if err := claims.remove(ctx, documentID, claim.ClaimID); err != nil {
			return released, err
		}
		released = append(released, claim)
	}
	return released, nil
}

func (claims *Claims) remove(ctx context.Context, documentID string, claimID string) error {
	pipeline := claims.client.TxPipeline()
	pipeline.Del(ctx, claims.claimKey(documentID, claimID))
	pipeline.SRem(ctx, claims.indexKey(documentID), claimID)
	if _, err := pipeline.Exec(ctx); err != nil {
		return fmt.Errorf("claim release: %w", err)
	}
	return nil
}

func (claims *Claims) claimKey(documentID string, claimID string) string {
	return claimKeyPrefix + documentID + ":" + claimID
}

func (claims *Claims) indexKey(documentID string) string {
	return claimIndexPrefix + documentID
}
