package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gravity-collab/internal/access"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/batcher"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/codec"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/crdt"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/documents"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/fanout"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/presence"
	"go.uber.org/zap"
)

func decodeRequest(conn *connection, event string, data json.RawMessage, target any) bool {
	if len(data) == 0 {
		conn.emitError(event, "", CodeBadRequest, "missing data")
		return false
	}
	if err := json.Unmarshal(data, target); err != nil {
		conn.emitError(event, "", CodeBadRequest, "malformed data")
		return false
	}
	return true
}

func parseDocumentID(conn *connection, event string, raw string) (documents.DocumentID, bool) {
	documentID, err := documents.NewDocumentID(raw)
	if err != nil {
		conn.emitError(event, "", CodeBadRequest, "documentId required")
		return "", false
	}
	return documentID, true
}

func (gateway *Gateway) handleJoin(conn *connection, data json.RawMessage) {
	var request documentRequest
	if !decodeRequest(conn, EventJoin, data, &request) {
		return
	}
	documentID, ok := parseDocumentID(conn, EventJoin, request.DocumentID)
	if !ok {
		return
	}
	docKey := documentID.String()
	if _, joined := conn.membership(docKey); joined {
		conn.emit(EventJoined, documentRequest{DocumentID: docKey})
		return
	}

	room, allowed, err := gateway.authorizeRoom(conn, documentID)
	if err != nil {
		conn.logger.Error("access check failed", zap.String("document_id", docKey), zap.Error(err))
		conn.emitError(EventJoin, docKey, CodeInternal, "access check failed")
		return
	}
	if !allowed {
		conn.logger.Info("room join denied", zap.String("document_id", docKey))
		conn.emitError(EventJoin, docKey, CodeForbidden, "insufficient role")
		return
	}

	capacity, err := gateway.access.Capacity(conn.ctx, documentID, gateway.roomCapacity)
	if err != nil {
		conn.logger.Warn("capacity lookup failed; using default", zap.String("document_id", docKey), zap.Error(err))
		capacity = gateway.roomCapacity
	}
	if _, err := gateway.rooms.join(docKey, conn, capacity); err != nil {
		conn.logger.Info("room capacity reached", zap.String("document_id", docKey), zap.Int("capacity", capacity))
		conn.emitError(EventJoin, docKey, CodeCapacity, "room capacity reached")
		return
	}
	conn.setMembership(docKey, room)

	ctx, cancel := gateway.redisContext(conn.ctx)
	defer cancel()
	if err := gateway.bus.Subscribe(ctx, docKey); err != nil {
		conn.logger.Warn("fanout subscribe failed", zap.String("document_id", docKey), zap.Error(err))
	}
	if err := gateway.offline.MarkOnline(ctx, docKey, conn.identity.UserID); err != nil {
		conn.logger.Warn("online mark failed", zap.String("document_id", docKey), zap.Error(err))
	}
	conn.emit(EventJoined, documentRequest{DocumentID: docKey})

	entries, err := gateway.presence.List(ctx, docKey)
	if err != nil {
		conn.logger.Warn("presence list failed", zap.String("document_id", docKey), zap.Error(err))
	}
	if entries == nil {
		entries = []presence.Entry{}
	}
	conn.emit(EventPresenceList, map[string]any{"documentId": docKey, "list": entries})

	claims, err := gateway.claims.List(ctx, docKey)
	if err != nil {
		conn.logger.Warn("claim list failed", zap.String("document_id", docKey), zap.Error(err))
	}
	if claims == nil {
		claims = []presence.Claim{}
	}
	conn.emit(EventClaimList, map[string]any{"documentId": docKey, "claims": claims})

	gateway.sendInitialState(conn, documentID)
	gateway.flushOffline(conn, docKey)
}

// authorizeRoom resolves whether the caller may join and edit. Guest grants authorize their own
// document; everyone else needs at least viewer, and editor to write.
func (gateway *Gateway) authorizeRoom(conn *connection, documentID documents.DocumentID) (membership, bool, error) {
	identity := conn.identity
	if !identity.Permits(documentID.String()) {
		return membership{}, false, nil
	}
	if identity.Guest {
		return membership{canEdit: !identity.ReadOnly}, true, nil
	}
	viewer, err := gateway.access.HasAccess(conn.ctx, identity.UserID, documentID, access.RoleViewer)
	if err != nil || !viewer {
		return membership{}, false, err
	}
	if identity.ReadOnly {
		return membership{}, true, nil
	}
	editor, err := gateway.access.HasAccess(conn.ctx, identity.UserID, documentID, access.RoleEditor)
	if err != nil {
		return membership{}, false, err
	}
	return membership{canEdit: editor}, true, nil
}

func (gateway *Gateway) sendInitialState(conn *connection, documentID documents.DocumentID) {
	state, err := gateway.documents.GetState(conn.ctx, documentID)
	if err != nil {
		conn.logger.Warn("initial state failed", zap.String("document_id", documentID.String()), zap.Error(err))
		conn.emitError(EventJoin, documentID.String(), CodeUnavailable, "state unavailable")
		return
	}
	wire, err := codec.EncodeWire(state.Update, gateway.compressThreshold)
	if err != nil {
		conn.logger.Error("initial state encoding failed", zap.Error(err))
		return
	}
	conn.emit(EventInitialState, StatePayload{
		DocumentID: documentID.String(),
		Seq:        state.Seq,
		Update:     wire,
		Vector:     base64.StdEncoding.EncodeToString(state.Vector),
	})
}

func (gateway *Gateway) flushOffline(conn *connection, documentID string) {
	ctx, cancel := gateway.redisContext(conn.ctx)
	defer cancel()
	events, err := gateway.offline.Drain(ctx, documentID, conn.identity.UserID, gateway.drainLimit)
	if err != nil {
		conn.logger.Warn("offline drain failed", zap.String("document_id", documentID), zap.Error(err))
	}
	for _, event := range events {
		frame, err := json.Marshal(Frame{Event: event.Event, Data: event.Data})
		if err != nil {
			continue
		}
		conn.enqueue(frame)
	}
}

func (gateway *Gateway) handleLeave(conn *connection, data json.RawMessage) {
	var request documentRequest
	if !decodeRequest(conn, EventLeave, data, &request) {
		return
	}
	documentID := strings.TrimSpace(request.DocumentID)
	gateway.leaveRoom(conn, documentID)
	conn.emit(EventLeft, documentRequest{DocumentID: documentID})
}

// leaveRoom removes conn from the room. Presence and claims of the user are cleared only when
// no other local connection of the same user remains in the room.
func (gateway *Gateway) leaveRoom(conn *connection, documentID string) {
	if !conn.dropMembership(documentID) {
		return
	}
	gateway.rooms.leave(documentID, conn)

	ctx, cancel := gateway.redisContext(context.WithoutCancel(conn.ctx))
	defer cancel()
	if err := gateway.bus.Unsubscribe(ctx, documentID); err != nil {
		conn.logger.Warn("fanout unsubscribe failed", zap.String("document_id", documentID), zap.Error(err))
	}
	if err := gateway.offline.MarkOffline(ctx, documentID, conn.identity.UserID); err != nil {
		conn.logger.Warn("offline mark failed", zap.String("document_id", documentID), zap.Error(err))
	}
	userID := conn.identity.UserID
	if gateway.rooms.userPresent(documentID, userID, conn.id) {
		return
	}

	if err := gateway.presence.Remove(ctx, documentID, userID); err != nil {
		conn.logger.Warn("presence removal failed", zap.String("document_id", documentID), zap.Error(err))
	}
	gateway.relay(ctx, documentID, fanout.MessagePresenceGone, EventPresenceLeft, PresenceLeftPayload{DocumentID: documentID, UserID: userID}, conn.id)

	released, err := gateway.claims.ReleaseOwned(ctx, documentID, userID)
	if err != nil {
		conn.logger.Warn("claim cleanup failed", zap.String("document_id", documentID), zap.Error(err))
	}
	for _, claim := range released {
		gateway.relay(ctx, documentID, fanout.MessageReleased, EventReleased,
			ReleasedPayload{ClaimID: claim.ClaimID, DocumentID: documentID, By: userID}, conn.id)
	}
}

func (gateway *Gateway) handleUpdate(conn *connection, data json.RawMessage) {
	var request updateRequest
	if !decodeRequest(conn, EventUpdate, data, &request) {
		return
	}
	documentID := strings.TrimSpace(request.DocumentID)
	ack := AckPayload{DocumentID: documentID, MsgID: request.MsgID}
	reject := func(status string, reason string) {
		ack.Status = status
		ack.Reason = reason
		conn.emit(EventAck, ack)
	}

	room, joined := conn.membership(documentID)
	if !joined {
		reject(AckInvalid, CodeNotInRoom)
		return
	}
	if !room.canEdit {
		reject(AckInvalid, CodeReadOnly)
		return
	}

	decision := gateway.governor.Allow(conn.ctx, conn.id, documentID)
	if !decision.Allowed {
		gateway.count(conn.ctx, documentID, fanout.CounterRateLimited, 1)
		ack.RetryAfterMs = decision.RetryAfter.Milliseconds()
		reject(AckRateLimited, "")
		return
	}

	update, err := codec.DecodeWire(request.Update, gateway.updateMaxBytes)
	if err != nil {
		if errors.Is(err, codec.ErrPayloadTooLarge) {
			reject(AckInvalid, CodePayloadTooLarge)
			return
		}
		reject(AckInvalid, CodeMalformed)
		return
	}
	if err := crdt.Validate(gateway.documents.Engine(), update); err != nil {
		conn.logger.Info("rejected invalid update", zap.String("document_id", documentID), zap.Error(err))
		reject(AckInvalid, CodeMalformed)
		return
	}

	ctx, cancel := gateway.redisContext(conn.ctx)
	defer cancel()
	if request.MsgID != "" && gateway.isDuplicate(ctx, documentID, request.MsgID) {
		reject(AckDuplicate, "")
		return
	}
	var advance seqAdvance
	if request.SenderSeq != nil {
		advance = gateway.advanceSenderSeq(ctx, documentID, conn.identity.UserID, *request.SenderSeq)
		if !advance.accepted {
			reject(AckOutOfOrder, "")
			return
		}
	}

	fragment := batcher.Fragment{
		Update:       update,
		AuthorID:     conn.identity.UserID,
		ConnectionID: conn.id,
		MsgID:        request.MsgID,
	}
	if err := gateway.batcher.Add(documents.DocumentID(documentID), fragment); err != nil {
		conn.logger.Warn("update not batched", zap.String("document_id", documentID), zap.Error(err))
		gateway.forgetUpdate(ctx, documentID, conn.identity.UserID, request.MsgID, request.SenderSeq, advance)
		reject(AckInvalid, CodeUnavailable)
		return
	}
	ack.Status = AckOK
	conn.emit(EventAck, ack)
}

func (gateway *Gateway) handleSync(conn *connection, data json.RawMessage) {
	var request syncRequest
	if !decodeRequest(conn, EventSync, data, &request) {
		return
	}
	documentID := strings.TrimSpace(request.DocumentID)
	if _, joined := conn.membership(documentID); !joined {
		conn.emitError(EventSync, documentID, CodeNotInRoom, "join the document first")
		return
	}
	vector, err := codec.DecodeVector(request.Vector)
	if err != nil {
		conn.emitError(EventSync, documentID, CodeBadRequest, "invalid state vector")
		return
	}
	result, err := gateway.documents.SyncDiff(conn.ctx, documents.DocumentID(documentID), vector)
	if err != nil {
		conn.logger.Warn("sync failed", zap.String("document_id", documentID), zap.Error(err))
		conn.emitError(EventSync, documentID, syncErrorCode(err), "sync failed")
		return
	}
	wire, err := codec.EncodeWire(result.Update, gateway.compressThreshold)
	if err != nil {
		conn.emitError(EventSync, documentID, CodeInternal, "encoding failed")
		return
	}
	conn.emit(EventSyncResponse, StatePayload{
		DocumentID: documentID,
		Seq:        result.Seq,
		Update:     wire,
		Vector:     base64.StdEncoding.EncodeToString(result.Vector),
	})
}

func syncErrorCode(err error) string {
	switch {
	case errors.Is(err, crdt.ErrMalformedUpdate):
		return CodeBadRequest
	case errors.Is(err, documents.ErrDocumentNotFound):
		return CodeNotFound
	default:
		return CodeUnavailable
	}
}

func (gateway *Gateway) handlePresence(conn *connection, data json.RawMessage) {
	var request presenceRequest
	if !decodeRequest(conn, EventPresence, data, &request) {
		return
	}
	documentID := strings.TrimSpace(request.DocumentID)
	if _, joined := conn.membership(documentID); !joined {
		conn.emitError(EventPresence, documentID, CodeNotInRoom, "join the document first")
		return
	}
	if !gateway.governor.AllowConnection(conn.id).Allowed || !gateway.presence.Allow(documentID, conn.identity.UserID) {
		gateway.count(conn.ctx, documentID, fanout.CounterPresenceDropped, 1)
		return
	}
	ctx, cancel := gateway.redisContext(conn.ctx)
	defer cancel()
	entry, err := gateway.presence.Set(ctx, presence.Entry{
		DocumentID: documentID,
		UserID:     conn.identity.UserID,
		Anchor:     request.Anchor,
		Head:       request.Head,
		Typing:     request.Typing,
	})
	if err != nil {
		conn.logger.Warn("presence store failed", zap.String("document_id", documentID), zap.Error(err))
		return
	}
	gateway.relay(ctx, documentID, fanout.MessagePresence, EventPresence, entry, conn.id)
	gateway.count(ctx, documentID, fanout.CounterPresenceSent, 1)
}

func (gateway *Gateway) handleClaim(conn *connection, data json.RawMessage) {
	var request claimRequest
	if !decodeRequest(conn, EventClaim, data, &request) {
		return
	}
	documentID := strings.TrimSpace(request.DocumentID)
	ack := AckPayload{DocumentID: documentID, MsgID: request.MsgID}
	room, joined := conn.membership(documentID)
	if !joined {
		ack.Status, ack.Reason = AckInvalid, CodeNotInRoom
		conn.emit(EventAck, ack)
		return
	}
	if !room.canEdit {
		ack.Status, ack.Reason = AckInvalid, CodeReadOnly
		conn.emit(EventAck, ack)
		return
	}
	if decision := gateway.governor.AllowConnection(conn.id); !decision.Allowed {
		ack.Status, ack.RetryAfterMs = AckRateLimited, decision.RetryAfter.Milliseconds()
		conn.emit(EventAck, ack)
		return
	}

	ctx, cancel := gateway.redisContext(conn.ctx)
	defer cancel()
	claim, err := gateway.claims.Claim(ctx, presence.ClaimRequest{
		DocumentID: documentID,
		From:       request.From,
		To:         request.To,
		OwnerID:    conn.identity.UserID,
		TTL:        time.Duration(request.TTLSeconds) * time.Second,
	})
	if err != nil {
		conn.logger.Warn("claim failed", zap.String("document_id", documentID), zap.Error(err))
		ack.Status, ack.Reason = AckInvalid, CodeUnavailable
		conn.emit(EventAck, ack)
		return
	}
	gateway.relay(ctx, documentID, fanout.MessageClaimed, EventClaimed, claim, conn.id)
	ack.Status, ack.ClaimID = AckOK, claim.ClaimID
	conn.emit(EventAck, ack)
}

func (gateway *Gateway) handleReleaseClaim(conn *connection, data json.RawMessage) {
	var request releaseClaimRequest
	if !decodeRequest(conn, EventReleaseClaim, data, &request) {
		return
	}
	ack := AckPayload{MsgID: request.MsgID, ClaimID: request.ClaimID}
	if strings.TrimSpace(request.ClaimID) == "" {
		ack.Status, ack.Reason = AckInvalid, CodeBadRequest
		conn.emit(EventAck, ack)
		return
	}

	ctx, cancel := gateway.redisContext(conn.ctx)
	defer cancel()
	documentID := strings.TrimSpace(request.DocumentID)
	if documentID == "" {
		documentID = gateway.locateClaim(ctx, conn, request.ClaimID)
	}
	ack.DocumentID = documentID
	if _, joined := conn.membership(documentID); !joined {
		ack.Status, ack.Reason = AckInvalid, CodeNotInRoom
		conn.emit(EventAck, ack)
		return
	}

	err := gateway.claims.Release(ctx, documentID, request.ClaimID, conn.identity.UserID)
	switch {
	case errors.Is(err, presence.ErrNotOwner):
		ack.Status, ack.Reason = AckInvalid, CodeNotOwner
		conn.emit(EventAck, ack)
		return
	case errors.Is(err, presence.ErrClaimNotFound):
		ack.Status, ack.Reason = AckInvalid, CodeNotFound
		conn.emit(EventAck, ack)
		return
	case err != nil:
		conn.logger.Warn("claim release failed", zap.String("document_id", documentID), zap.Error(err))
		ack.Status, ack.Reason = AckInvalid, CodeUnavailable
		conn.emit(EventAck, ack)
		return
	}
	gateway.relay(ctx, documentID, fanout.MessageReleased, EventReleased,
		ReleasedPayload{ClaimID: request.ClaimID, DocumentID: documentID, By: conn.identity.UserID}, conn.id)
	ack.Status = AckOK
	conn.emit(EventAck, ack)
}

// locateClaim searches the caller's rooms for claimID.
func (gateway *Gateway) locateClaim(ctx context.Context, conn *connection, claimID string) string {
	for _, documentID := range conn.joinedDocuments() {
		if _, err := gateway.claims.Get(ctx, documentID, claimID); err == nil {
			return documentID
		}
	}
	return ""
}

func (gateway *Gateway) handlePing(conn *connection) {
	ctx, cancel := gateway.redisContext(conn.ctx)
	defer cancel()
	status, err := gateway.client.Ping(ctx).Result()
	if err != nil {
		status = "err"
	}
	conn.emit(EventPong, pongPayload{Timestamp: time.Now().UnixMilli(), Redis: status})
}
