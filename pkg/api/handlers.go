package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/frkn-dev/pony/pkg/log"
	"github.com/frkn-dev/pony/pkg/metrics"
	"github.com/frkn-dev/pony/pkg/syncer"
	"github.com/frkn-dev/pony/pkg/types"
)

// ResponseMessage is the uniform mutation-endpoint envelope.
type ResponseMessage[T any] struct {
	Status   int    `json:"status"`
	Message  string `json:"message"`
	Response T      `json:"response,omitempty"`
}

// connStatEntry is one element of the GET /user/stat response.
type connStatEntry struct {
	ConnID uuid.UUID              `json:"conn_id"`
	Stat   types.ConnStat         `json:"stat"`
	Tag    types.ProtoTag         `json:"tag"`
	Status types.ConnectionStatus `json:"status"`
	Limit  int64                  `json:"limit"`
	Trial  bool                   `json:"trial"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, metrics.GetHealth())
}

func (s *Server) handleUserStat(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.URL.Query().Get("user_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "user_id must be a uuid")
		return
	}
	conns := s.cache.ConnectionsByUser(userID)
	entries := make([]connStatEntry, 0, len(conns))
	for _, c := range conns {
		if c.Deleted() {
			continue
		}
		entries = append(entries, connStatEntry{
			ConnID: c.ConnID,
			Stat:   c.Stat,
			Tag:    c.Proto.Tag,
			Status: c.Status,
			Limit:  c.Limit,
			Trial:  c.Trial,
		})
	}
	if len(entries) == 0 {
		writeJSON(w, http.StatusNotFound, entries)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type userRequest struct {
	UserID   *uuid.UUID `json:"user_id,omitempty"`
	Username string     `json:"username"`
	Force    bool       `json:"force,omitempty"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if !decode(w, r, &req) {
		return
	}
	now := time.Now().UTC()
	user := &types.User{
		UserID:     uuid.New(),
		Username:   req.Username,
		CreatedAt:  now,
		ModifiedAt: now,
	}
	if req.UserID != nil {
		user.UserID = *req.UserID
	}

	slot, err := s.sync.Reserve(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	op := s.cache.PutUser(user, req.Force)
	if !op.Mutated() {
		slot.Release()
		respondOp(w, op)
		return
	}
	taskOp := syncer.OpInsertUser
	if op.Code != types.OpOk {
		taskOp = syncer.OpUpdateUser
	}
	slot.Commit(syncer.Task{Op: taskOp, User: user})
	respondOp(w, op)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "id must be a uuid")
		return
	}
	slot, err := s.sync.Reserve(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	now := time.Now().UTC()
	op := s.cache.DeleteUser(id)
	if !op.Mutated() {
		slot.Release()
		respondOp(w, op)
		return
	}
	slot.Commit(syncer.Task{Op: syncer.OpDeleteUser, ID: id, At: now})

	// Cascade: tombstone the user's connections and tell the agents.
	for _, c := range s.cache.ConnectionsByUser(id) {
		if c.Deleted() {
			continue
		}
		if _, cerr := s.deleteConnection(r.Context(), c); cerr != nil {
			s.logger.Warn().Err(cerr).Str("conn_id", c.ConnID.String()).Msg("cascade delete deferred")
		}
	}
	respondOp(w, op)
}

type connectionRequest struct {
	ConnID   *uuid.UUID             `json:"conn_id,omitempty"`
	UserID   uuid.UUID              `json:"user_id"`
	Proto    types.ProtoTag         `json:"proto"`
	Password string                 `json:"password,omitempty"`
	NodeID   *uuid.UUID             `json:"node_id,omitempty"`
	Wg       *types.WireguardParams `json:"wg,omitempty"`
	Limit    int64                  `json:"limit"`
	Trial    bool                   `json:"trial"`
	Force    bool                   `json:"force,omitempty"`
}

func (s *Server) handleCreateConnection(w http.ResponseWriter, r *http.Request) {
	var req connectionRequest
	if !decode(w, r, &req) {
		return
	}
	proto, errMsg := buildProto(&req)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	now := time.Now().UTC()
	conn := &types.Connection{
		ConnID:     uuid.New(),
		UserID:     req.UserID,
		Proto:      proto,
		Status:     types.ConnectionStatusActive,
		Limit:      req.Limit,
		Trial:      req.Trial,
		CreatedAt:  now,
		ModifiedAt: now,
	}
	if req.ConnID != nil {
		conn.ConnID = *req.ConnID
	}

	slot, err := s.sync.Reserve(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	op := s.cache.PutConnection(conn, req.Force)
	if !op.Mutated() {
		slot.Release()
		respondOp(w, op)
		return
	}
	taskOp := syncer.OpInsertConn
	if op.Code != types.OpOk {
		taskOp = syncer.OpUpdateConn
	}
	slot.Commit(syncer.Task{Op: taskOp, Conn: conn})

	s.publishConnMessage(r.Context(), conn, types.Message{
		ConnID:   conn.ConnID,
		Action:   types.ActionCreate,
		Password: conn.Proto.Password,
	})
	respondOp(w, op)
}

func (s *Server) handleDeleteConnection(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "id must be a uuid")
		return
	}
	conn := s.cache.GetConnection(id)
	if conn == nil {
		respondOp(w, types.NotFound(id))
		return
	}
	op, derr := s.deleteConnection(r.Context(), conn)
	if derr != nil {
		writeError(w, http.StatusServiceUnavailable, derr.Error())
		return
	}
	respondOp(w, op)
}

func (s *Server) handleResetStat(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "id must be a uuid")
		return
	}
	conn := s.cache.GetConnection(id)
	if conn == nil {
		respondOp(w, types.NotFound(id))
		return
	}
	slot, err := s.sync.Reserve(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	op := s.cache.ResetConnStat(id)
	if !op.Mutated() {
		slot.Release()
		respondOp(w, op)
		return
	}
	slot.Commit(syncer.Task{Op: syncer.OpUpdateConnStat, ID: id, At: time.Now().UTC()})
	s.publishConnMessage(r.Context(), conn, types.Message{ConnID: id, Action: types.ActionResetStat})
	respondOp(w, op)
}

func (s *Server) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "id must be a uuid")
		return
	}
	conn := s.cache.GetConnection(id)
	if conn == nil {
		writeError(w, http.StatusNotFound, "connection not found")
		return
	}
	writeJSON(w, http.StatusOK, ResponseMessage[*types.Connection]{
		Status:   http.StatusOK,
		Message:  "ok",
		Response: conn,
	})
}

type nodeRequest struct {
	UUID      uuid.UUID            `json:"uuid"`
	Env       string               `json:"env"`
	Hostname  string               `json:"hostname"`
	Interface string               `json:"interface"`
	Inbounds  []*types.InboundSpec `json:"inbounds"`
}

func (s *Server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	var req nodeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UUID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "uuid must be set")
		return
	}
	now := time.Now().UTC()
	node := &types.Node{
		UUID:       req.UUID,
		Env:        req.Env,
		Hostname:   req.Hostname,
		Interface:  req.Interface,
		Status:     types.NodeStatusOffline,
		Inbounds:   req.Inbounds,
		CreatedAt:  now,
		ModifiedAt: now,
	}
	for _, ib := range node.Inbounds {
		ib.NodeID = node.UUID
		if ib.ID == uuid.Nil {
			ib.ID = uuid.New()
		}
	}

	slot, err := s.sync.Reserve(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	op := s.cache.PutNode(node)
	if !op.Mutated() {
		slot.Release()
		respondOp(w, op)
		return
	}
	slot.Commit(syncer.Task{Op: syncer.OpInsertNode, Node: node})
	respondOp(w, op)
}

func (s *Server) handleListNodes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, ResponseMessage[[]*types.Node]{
		Status:   http.StatusOK,
		Message:  "ok",
		Response: s.cache.Nodes(),
	})
}

type subscriptionRequest struct {
	ID           uuid.UUID  `json:"id"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	ReferredBy   *uuid.UUID `json:"referred_by,omitempty"`
	ReferralCode string     `json:"referral_code,omitempty"`
	Force        bool       `json:"force,omitempty"`
}

// handleUpsertSubscription writes through to the store directly:
// subscription churn is billing-driven and rare, so it skips the sync
// pipeline.
func (s *Server) handleUpsertSubscription(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "id must be set")
		return
	}
	sub := &types.Subscription{
		ID:           req.ID,
		ExpiresAt:    req.ExpiresAt,
		ReferredBy:   req.ReferredBy,
		ReferralCode: req.ReferralCode,
		ModifiedAt:   time.Now().UTC(),
	}
	op := s.cache.PutSubscription(sub, req.Force)
	if !op.Mutated() {
		respondOp(w, op)
		return
	}
	if err := s.store.UpsertSubscription(r.Context(), sub); err != nil {
		s.logger.Error().Err(err).Msg("subscription write failed")
		writeError(w, http.StatusInternalServerError, "storing subscription failed")
		return
	}
	respondOp(w, op)
}

// deleteConnection tombstones a connection, enqueues the write-back and
// notifies the agents.
func (s *Server) deleteConnection(ctx context.Context, conn *types.Connection) (types.OperationStatus, error) {
	slot, err := s.sync.Reserve(ctx)
	if err != nil {
		return types.OperationStatus{}, err
	}
	now := time.Now().UTC()
	op := s.cache.DeleteConnection(conn.ConnID)
	if !op.Mutated() {
		slot.Release()
		return op, nil
	}
	slot.Commit(syncer.Task{Op: syncer.OpDeleteConn, ID: conn.ConnID, At: now})
	s.publishConnMessage(ctx, conn, types.Message{ConnID: conn.ConnID, Action: types.ActionDelete})
	return op, nil
}

// publishConnMessage routes a control message: WireGuard connections go
// to their pinned node's topic, everything else fans out on the env
// topic.
func (s *Server) publishConnMessage(ctx context.Context, conn *types.Connection, msg types.Message) {
	payload, err := types.EncodeMessage(msg)
	if err != nil {
		s.logger.Error().Err(err).Msg("encoding control message failed")
		return
	}
	topic := s.cfg.Env
	if conn.Proto.Tag == types.ProtoWireguard && conn.Proto.NodeID != nil {
		topic = conn.Proto.NodeID.String()
	}
	if err := s.pub.Publish(ctx, topic, payload); err != nil {
		s.logger.Warn().Err(err).Str("topic", topic).Msg("publishing control message failed")
	}
}

// buildProto assembles the tagged variant from the request, enforcing
// per-protocol requirements.
func buildProto(req *connectionRequest) (types.Proto, string) {
	switch req.Proto {
	case types.ProtoVlessXtls, types.ProtoVlessGrpc, types.ProtoVmess:
		return types.XrayProto(req.Proto), ""
	case types.ProtoShadowsocks:
		if req.Password == "" {
			return types.Proto{}, "shadowsocks requires a password"
		}
		return types.ShadowsocksProto(req.Password), ""
	case types.ProtoWireguard:
		if req.Wg == nil || req.NodeID == nil {
			return types.Proto{}, "wireguard requires wg params and node_id"
		}
		return types.WireguardProto(*req.Wg, *req.NodeID), ""
	default:
		return types.Proto{}, "unknown proto " + string(req.Proto)
	}
}

// respondOp maps a cache outcome to its HTTP shape.
func respondOp(w http.ResponseWriter, op types.OperationStatus) {
	metrics.CacheOpsTotal.WithLabelValues(string(op.Code)).Inc()
	status := opHTTPStatus(op.Code)
	writeJSON(w, status, ResponseMessage[types.OperationStatus]{
		Status:   status,
		Message:  string(op.Code),
		Response: op,
	})
}

func opHTTPStatus(code types.OpCode) int {
	switch code {
	case types.OpOk:
		return http.StatusCreated
	case types.OpUpdated, types.OpUpdatedStat, types.OpNotModified:
		return http.StatusOK
	case types.OpAlreadyExist, types.OpDeletedPreviously:
		return http.StatusConflict
	case types.OpNotFound:
		return http.StatusNotFound
	case types.OpBadRequest:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// decode parses the request body, answering 400 on malformed JSON.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ResponseMessage[struct{}]{Status: status, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger := log.WithComponent("http")
		logger.Warn().Err(err).Msg("encoding response failed")
	}
}
