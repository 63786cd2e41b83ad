package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/MarcoPoloResearchLab/gravity-collab/internal/batcher"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/codec"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/documents"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/fanout"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/offline"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	dedupKeyPrefix     = "collab:dedup:doc:"
	senderSeqKeyPrefix = "collab:senderseq:doc:"
)

// senderSeqScript stores ARGV[1] only when it is strictly greater than the stored counter and
// returns the acceptance flag with the counter it replaced.
var senderSeqScript = redis.NewScript(`
local stored = redis.call("GET", KEYS[1])
local last = tonumber(stored or "0")
local incoming = tonumber(ARGV[1])
if incoming <= last then
	return {0, stored or ""}
end
redis.call("SET", KEYS[1], ARGV[1], "EX", ARGV[2])
return {1, stored or ""}
`)

// restoreSenderSeqScript puts back ARGV[2] while KEYS[1] still holds the counter ARGV[1].
var restoreSenderSeqScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
	return 0
end
if ARGV[2] == "" then
	redis.call("DEL", KEYS[1])
else
	redis.call("SET", KEYS[1], ARGV[2], "EX", ARGV[3])
end
return 1
`)

// seqAdvance is the outcome of a sender counter check. recorded is false when Redis was unreachable.
type seqAdvance struct {
	accepted bool
	recorded bool
	previous string
}

// handleChange delivers every durable change: local room, other instances, then absent users.
func (gateway *Gateway) handleChange(ctx context.Context, change documents.Change) {
	documentID := change.DocumentID.String()
	switch change.Kind {
	case documents.ChangeCommitted:
		wire, err := codec.EncodeWire(change.Update, gateway.compressThreshold)
		if err != nil {
			gateway.logger.Error("update encoding failed", zap.String("document_id", documentID), zap.Error(err))
			return
		}
		payload := UpdatePayload{DocumentID: documentID, Seq: change.Seq, Update: wire, AuthorID: change.AuthorID}
		gateway.relay(ctx, documentID, fanout.MessageUpdate, EventUpdate, payload, "")
		gateway.queueForAbsent(ctx, change.DocumentID, EventUpdate, payload)
		if gateway.isLeader(ctx, documentID) {
			gateway.count(ctx, documentID, fanout.CounterUpdates, 1)
			gateway.count(ctx, documentID, fanout.CounterUpdateBytes, int64(len(wire.Base64)))
		}
	case documents.ChangeReset:
		wire, err := codec.EncodeWire(change.Update, gateway.compressThreshold)
		if err != nil {
			gateway.logger.Error("reset encoding failed", zap.String("document_id", documentID), zap.Error(err))
			return
		}
		payload := ResetPayload{DocumentID: documentID, Seq: change.Seq, State: wire}
		gateway.relay(ctx, documentID, fanout.MessageReset, EventReset, payload, "")
		gateway.queueForAbsent(ctx, change.DocumentID, EventReset, payload)
	}
}

// relay delivers an event to the local room (skipping except) and publishes it to other instances.
func (gateway *Gateway) relay(ctx context.Context, documentID string, messageType string, event string, payload any, except string) {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		gateway.logger.Error("failed to encode frame", zap.String("event", event), zap.Error(err))
		return
	}
	gateway.rooms.broadcast(documentID, frame, except)
	if err := gateway.bus.Publish(ctx, documentID, messageType, payload); err != nil {
		gateway.logger.Warn("fanout publish failed",
			zap.String("document_id", documentID),
			zap.String("type", messageType),
			zap.Error(err))
	}
}

func (gateway *Gateway) queueForAbsent(ctx context.Context, documentID documents.DocumentID, event string, payload any) {
	recipients, err := gateway.access.Recipients(ctx, documentID)
	if err != nil {
		gateway.logger.Warn("recipient lookup failed", zap.String("document_id", documentID.String()), zap.Error(err))
		return
	}
	if len(recipients) == 0 {
		return
	}
	absent, err := gateway.offline.Absent(ctx, documentID.String(), recipients)
	if err != nil {
		gateway.logger.Warn("online lookup failed", zap.String("document_id", documentID.String()), zap.Error(err))
		return
	}
	if len(absent) == 0 {
		return
	}
	queued, err := offline.NewEvent(event, payload)
	if err != nil {
		return
	}
	if err := gateway.offline.EnqueueMany(ctx, documentID.String(), absent, queued); err != nil {
		gateway.logger.Warn("offline enqueue failed", zap.String("document_id", documentID.String()), zap.Error(err))
	}
}

// handleFanout delivers a message from another instance to the local room.
func (gateway *Gateway) handleFanout(_ context.Context, message fanout.Message) {
	var event string
	switch message.Type {
	case fanout.MessageUpdate:
		event = EventUpdate
	case fanout.MessageReset:
		event = EventReset
	case fanout.MessagePresence:
		event = EventPresence
	case fanout.MessagePresenceGone:
		event = EventPresenceLeft
	case fanout.MessageClaimed:
		event = EventClaimed
	case fanout.MessageReleased:
		event = EventReleased
	default:
		gateway.logger.Debug("ignoring fanout message", zap.String("type", message.Type))
		return
	}
	frame, err := json.Marshal(Frame{Event: event, Data: message.Payload})
	if err != nil {
		return
	}
	gateway.rooms.broadcast(message.DocumentID, frame, "")
}

func (gateway *Gateway) handleBatchCommitted(batch batcher.Batch, result documents.CommitResult) {
	gateway.logger.Debug("batch committed",
		zap.String("document_id", batch.DocumentID.String()),
		zap.Int64("seq", result.Seq),
		zap.Int("fragments", len(batch.Fragments)),
		zap.Bool("repaired", result.Repaired))
}

// handleBatchFailure tells every sender in the batch that its acknowledged updates were lost.
func (gateway *Gateway) handleBatchFailure(batch batcher.Batch, err error) {
	ctx, cancel := gateway.redisContext(context.Background())
	defer cancel()
	gateway.count(ctx, batch.DocumentID.String(), fanout.CounterCommitFailures, 1)

	msgIDs := make(map[string][]string)
	for _, fragment := range batch.Fragments {
		ids := msgIDs[fragment.ConnectionID]
		if fragment.MsgID != "" {
			ids = append(ids, fragment.MsgID)
		}
		msgIDs[fragment.ConnectionID] = ids
	}
	reason := CodeInternal
	if code, ok := serviceCode(err); ok {
		reason = code
	}
	for connectionID, ids := range msgIDs {
		conn, ok := gateway.rooms.connection(connectionID)
		if !ok {
			continue
		}
		conn.emit(EventCommitFailed, CommitFailedPayload{
			DocumentID: batch.DocumentID.String(),
			MsgIDs:     ids,
			Reason:     reason,
			Retryable:  documents.IsRetryable(err),
		})
	}
}

func serviceCode(err error) (string, bool) {
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		return coded.Code(), true
	}
	return "", false
}

// isDuplicate records msgID and reports whether it was already seen within the dedup window.
// Redis failures admit the message; the merge is idempotent.
func (gateway *Gateway) isDuplicate(ctx context.Context, documentID string, msgID string) bool {
	key := dedupKeyPrefix + documentID
	pipeline := gateway.client.TxPipeline()
	added := pipeline.SAdd(ctx, key, msgID)
	pipeline.Expire(ctx, key, gateway.dedupTTL)
	if _, err := pipeline.Exec(ctx); err != nil {
		gateway.logger.Warn("dedup check failed", zap.String("document_id", documentID), zap.Error(err))
		return false
	}
	return added.Val() == 0
}

// advanceSenderSeq accepts senderSeq only when it is strictly greater than the last accepted
// counter of the sender on the document.
func (gateway *Gateway) advanceSenderSeq(ctx context.Context, documentID string, userID string, senderSeq int64) seqAdvance {
	values, err := senderSeqScript.Run(ctx, gateway.client, []string{senderSeqKey(documentID, userID)},
		strconv.FormatInt(senderSeq, 10), gateway.senderSeqTTLSeconds()).Slice()
	if err != nil || len(values) != 2 {
		gateway.logger.Warn("sender sequence check failed", zap.String("document_id", documentID), zap.Error(err))
		return seqAdvance{accepted: true}
	}
	accepted, _ := values[0].(int64)
	previous, _ := values[1].(string)
	return seqAdvance{accepted: accepted == 1, recorded: accepted == 1, previous: previous}
}

// forgetUpdate undoes the dedup and sender counter bookkeeping of an update that never reached
// the batcher, so the client's retry is accepted.
func (gateway *Gateway) forgetUpdate(ctx context.Context, documentID string, userID string, msgID string, senderSeq *int64, advance seqAdvance) {
	if msgID != "" {
		if err := gateway.client.SRem(ctx, dedupKeyPrefix+documentID, msgID).Err(); err != nil {
			gateway.logger.Warn("dedup rollback failed", zap.String("document_id", documentID), zap.Error(err))
		}
	}
	if senderSeq == nil || !advance.recorded {
		return
	}
	if err := restoreSenderSeqScript.Run(ctx, gateway.client, []string{senderSeqKey(documentID, userID)},
		strconv.FormatInt(*senderSeq, 10), advance.previous, gateway.senderSeqTTLSeconds()).Err(); err != nil {
		gateway.logger.Warn("sender sequence rollback failed", zap.String("document_id", documentID), zap.Error(err))
	}
}

func senderSeqKey(documentID string, userID string) string {
	return fmt.Sprintf("%s%s:%s", senderSeqKeyPrefix, documentID, userID)
}

func (gateway *Gateway) senderSeqTTLSeconds() int64 {
	return int64(gateway.senderSeqTTL.Seconds())
}

func (gateway *Gateway) isLeader(ctx context.Context, documentID string) bool {
	if gateway.registry == nil {
		return true
	}
	return gateway.registry.IsLeader(ctx, documentID)
}

// count records name for documentID alongside the cluster-wide total.
func (gateway *Gateway) count(ctx context.Context, documentID string, name string, delta int64) {
	if gateway.counters == nil {
		return
	}
	if err := gateway.counters.AddDocument(ctx, documentID, name, delta); err != nil {
		gateway.logger.Debug("counter update failed",
			zap.String("document_id", documentID),
			zap.String("counter", name),
			zap.Error(err))
	}
}
