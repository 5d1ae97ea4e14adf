package api

import (
	"channel-hub/domain"
	"channel-hub/errors"
	"channel-hub/observability"
	"channel-hub/runtime"
	"channel-hub/services"
	"channel-hub/transport/websocket"
	stderrors "errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/samber/lo"
)

func (s *Server) body(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	if err := decode(r, dst); err != nil {
		writeError(s.log, w, err)
		return false
	}
	return true
}

// optionalBody accepts an empty body and leaves dst untouched.
func (s *Server) optionalBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(s.log, w, errors.NewValidationError("body", "size"))
		return false
	}
	if len(raw) == 0 {
		return true
	}
	if err := decodeBytes(raw, dst); err != nil {
		writeError(s.log, w, err)
		return false
	}
	return true
}

func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.backendTenant(w, r)
	if !ok {
		return
	}
	var req domain.ConnectRequest
	if !s.body(w, r, &req) {
		return
	}
	resp, err := s.hub.Connect(tenant, req)
	if err != nil {
		writeError(s.log, w, err)
		return
	}
	writeJSON(s.log, w, http.StatusOK, resp)
}

func (s *Server) subscribe(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.backendTenant(w, r)
	if !ok {
		return
	}
	var req domain.SubscribeRequest
	if !s.body(w, r, &req) {
		return
	}
	resp, err := s.hub.Subscribe(tenant, req)
	if err != nil {
		writeError(s.log, w, err)
		return
	}
	writeJSON(s.log, w, http.StatusOK, resp)
}

func (s *Server) unsubscribe(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.backendTenant(w, r)
	if !ok {
		return
	}
	var req domain.UnsubscribeRequest
	if !s.body(w, r, &req) {
		return
	}
	resp, err := s.hub.Unsubscribe(tenant, req)
	if err != nil {
		writeError(s.log, w, err)
		return
	}
	writeJSON(s.log, w, http.StatusOK, resp)
}

func (s *Server) userState(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.backendTenant(w, r)
	if !ok {
		return
	}
	var req domain.UserStateRequest
	if !s.body(w, r, &req) {
		return
	}
	resp, err := s.hub.ChangeUserState(tenant, req)
	if err != nil {
		writeError(s.log, w, err)
		return
	}
	writeJSON(s.log, w, http.StatusOK, resp)
}

func (s *Server) postMessages(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.backendTenant(w, r)
	if !ok {
		return
	}
	var msgs []domain.MessageRequest
	if !s.body(w, r, &msgs) {
		return
	}
	posted, err := s.hub.PostMessages(tenant, msgs)
	if err != nil {
		writeError(s.log, w, err)
		return
	}
	if s.monitor != nil {
		s.monitor.AddMessagesPosted(len(posted))
	}
	writeJSON(s.log, w, http.StatusOK, posted)
}

func (s *Server) editMessages(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.backendTenant(w, r)
	if !ok {
		return
	}
	var edits []domain.MessageEdit
	if !s.body(w, r, &edits) {
		return
	}
	edited, err := s.hub.EditMessages(tenant, edits)
	if err != nil {
		writeError(s.log, w, err)
		return
	}
	writeJSON(s.log, w, http.StatusOK, edited)
}

func (s *Server) deleteMessages(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.backendTenant(w, r)
	if !ok {
		return
	}
	var dels []domain.MessageDelete
	if !s.body(w, r, &dels) {
		return
	}
	deleted, err := s.hub.DeleteMessages(tenant, dels)
	if err != nil {
		writeError(s.log, w, err)
		return
	}
	writeJSON(s.log, w, http.StatusOK, deleted)
}

func (s *Server) channelConfig(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.backendTenant(w, r)
	if !ok {
		return
	}
	var configs map[string]domain.ChannelConfigPatch
	if !s.body(w, r, &configs) {
		return
	}
	infos, err := s.hub.SetChannelConfig(tenant, configs)
	if err != nil {
		writeError(s.log, w, err)
		return
	}
	writeJSON(s.log, w, http.StatusOK, infos)
}

func (s *Server) info(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.backendTenant(w, r)
	if !ok {
		return
	}
	var req domain.InfoRequest
	if !s.optionalBody(w, r, &req) {
		return
	}
	info, err := s.hub.Info(tenant, req.Info)
	if err != nil {
		writeError(s.log, w, err)
		return
	}
	writeJSON(s.log, w, http.StatusOK, info)
}

type adminInfoResponse struct {
	Tenants map[string]runtime.ServerInfo  `json:"tenants"`
	Process *observability.MonitoringStats `json:"process,omitempty"`
}

// adminInfo reports every tenant along with the process stats.
func (s *Server) adminInfo(w http.ResponseWriter, r *http.Request) {
	opts := domain.InfoOptions{
		IncludeHistory:     lo.ToPtr(r.URL.Query().Get("history") == "1"),
		IncludeConnections: r.URL.Query().Get("connections") == "1",
		ReturnPublicState:  true,
	}
	resp := adminInfoResponse{Tenants: map[string]runtime.ServerInfo{}}
	for _, id := range s.hub.TenantIDs() {
		info, err := s.hub.Info(id, opts)
		if err != nil {
			continue
		}
		resp.Tenants[id] = info
	}
	if s.monitor != nil {
		resp.Process = lo.ToPtr(s.monitor.GetLatest())
	}
	writeJSON(s.log, w, http.StatusOK, resp)
}

type disconnectResponse struct {
	ConnID       string `json:"conn_id"`
	Disconnected bool   `json:"disconnected"`
}

// disconnect takes the connection id from the query string or the body.
func (s *Server) disconnect(w http.ResponseWriter, r *http.Request) {
	req := domain.DisconnectRequest{ConnID: r.URL.Query().Get("conn_id")}
	if req.ConnID == "" && r.Method == http.MethodPost {
		if !s.optionalBody(w, r, &req) {
			return
		}
	}
	if err := services.Validate(req); err != nil {
		writeError(s.log, w, err)
		return
	}
	ok := s.hub.Disconnect(s.tenant(r), req.ConnID)
	writeJSON(s.log, w, http.StatusOK, disconnectResponse{ConnID: req.ConnID, Disconnected: ok})
}

// listen is the long-poll endpoint. wake_after is in seconds.
func (s *Server) listen(w http.ResponseWriter, r *http.Request) {
	connID := r.URL.Query().Get("conn_id")
	if connID == "" {
		writeError(s.log, w, errors.NewValidationError("conn_id", "required"))
		return
	}
	wakeAfter := s.opts.ListenWakeAfter
	if raw := r.URL.Query().Get("wake_after"); raw != "" {
		secs, err := strconv.ParseFloat(raw, 64)
		if err != nil || secs <= 0 {
			writeError(s.log, w, errors.NewValidationError("wake_after", "gt=0"))
			return
		}
		wakeAfter = time.Duration(secs * float64(time.Second))
	}
	if s.monitor != nil {
		s.monitor.IncrPolls()
	}

	envs, err := s.hub.Listen(r.Context(), s.tenant(r), connID, wakeAfter)
	if err != nil {
		writeError(s.log, w, err)
		return
	}
	frames, err := domain.EncodeFrames(envs...)
	if err != nil {
		writeError(s.log, w, err)
		return
	}
	writeRaw(w, http.StatusOK, frames)
}

// ws upgrades the request and makes the socket the delivery path of the
// connection until the client goes away.
func (s *Server) ws(w http.ResponseWriter, r *http.Request) {
	connID := r.URL.Query().Get("conn_id")
	if connID == "" {
		writeError(s.log, w, errors.NewValidationError("conn_id", "required"))
		return
	}
	socket, err := websocket.Upgrade(s.log, s.upgrader, s.opts.WSPingTimeout, w, r)
	if err != nil {
		s.log.Debug("WebSocket upgrade failed", "conn_id", connID, "error", err)
		return
	}

	conn, err := s.hub.AttachTransport(s.tenant(r), connID, socket)
	if err != nil {
		reason := "internal error"
		if stderrors.Is(err, errors.ErrUnknownConnection) || stderrors.Is(err, errors.ErrUnknownUser) || stderrors.Is(err, errors.ErrUnknownTenant) {
			reason = "unknown connection"
		}
		socket.Reject(reason)
		return
	}
	if s.monitor != nil {
		s.monitor.IncrWSAttached()
	}
	s.log.Debug("WebSocket attached", "conn_id", connID)

	socket.ReadLoop(conn.MarkActivity)
	conn.OnTransportClosed(socket)
	s.log.Debug("WebSocket closed", "conn_id", connID)
}
