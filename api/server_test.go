package api

import (
	"bytes"
	"channel-hub/auth"
	"channel-hub/observability"
	"channel-hub/runtime"
	"channel-hub/services"
	"channel-hub/transport/websocket"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	gows "github.com/gorilla/websocket"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	handler http.Handler
	signer  *auth.Signer
	token   string
}

func newTestServer(t *testing.T, multiTenant bool, admin auth.AdminCredentials) *testServer {
	t.Helper()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	hub := services.NewHubService(log, runtime.NewTenants(log, 16, multiTenant), 10*time.Millisecond)
	signer := auth.NewSigner("test-secret")
	token, err := signer.GenerateToken("backend", "", time.Hour)
	require.NoError(t, err)

	srv := NewServer(log, hub, signer, admin, observability.NewMonitoringManager(log, time.Minute),
		websocket.NewUpgrader(1024, 1024, true), Options{
			MultiTenant:     multiTenant,
			WSPingTimeout:   time.Minute,
			ListenWakeAfter: time.Second,
		})
	return &testServer{handler: srv.Handler(), signer: signer, token: token}
}

func (ts *testServer) do(method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	r := httptest.NewRequest(method, path, &buf)
	for k, v := range header {
		r.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, r)
	return rec
}

func (ts *testServer) signed(method, path string, body any) *httptest.ResponseRecorder {
	return ts.do(method, path, body, map[string]string{"Authorization": "Bearer " + ts.token})
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestServer_Backend_Endpoints_Require_Token(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t, false, auth.AdminCredentials{})

	rec := ts.do(http.MethodPost, "/connect", map[string]any{"username": "alice"}, nil)
	req.Equal(http.StatusUnauthorized, rec.Code)

	rec = ts.do(http.MethodPost, "/connect", map[string]any{"username": "alice"},
		map[string]string{"Authorization": "Bearer forged"})
	req.Equal(http.StatusUnauthorized, rec.Code)
}

func TestServer_Connect_Post_And_Listen(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t, false, auth.AdminCredentials{})

	// Given alice connected to a channel
	rec := ts.signed(http.MethodPost, "/connect", map[string]any{"username": "alice", "channels": []string{"room"}})
	req.Equal(http.StatusOK, rec.Code)
	connected := decodeBody[services.ConnectResponse](t, rec)
	req.Equal([]string{"room"}, connected.Channels)

	// When the backend posts a message
	rec = ts.signed(http.MethodPost, "/message", []map[string]any{
		{"user": "bob", "channel": "room", "message": map[string]any{"text": "hello"}},
	})
	req.Equal(http.StatusOK, rec.Code)
	posted := decodeBody[[]services.PostedMessage](t, rec)
	req.Len(posted, 1)

	// Then alice receives it on her next poll
	rec = ts.do(http.MethodGet, "/listen?conn_id="+connected.ConnID+"&wake_after=0.5", nil, nil)
	req.Equal(http.StatusOK, rec.Code)
	frames := decodeBody[[]map[string]any](t, rec)
	req.Len(frames, 1)
	req.Equal("message", frames[0]["type"])
	req.Equal(posted[0].UUID.String(), frames[0]["uuid"])
	req.Equal(map[string]any{"text": "hello"}, frames[0]["message"])
}

func TestServer_Listen_Times_Out_With_Empty_List(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t, false, auth.AdminCredentials{})
	rec := ts.signed(http.MethodPost, "/connect", map[string]any{"username": "alice"})
	connected := decodeBody[services.ConnectResponse](t, rec)

	rec = ts.do(http.MethodGet, "/listen?conn_id="+connected.ConnID+"&wake_after=0.05", nil, nil)

	req.Equal(http.StatusOK, rec.Code)
	req.JSONEq("[]", rec.Body.String())
}

func TestServer_Error_Mapping(t *testing.T) {
	ts := newTestServer(t, false, auth.AdminCredentials{})

	t.Run("should return 400 with fields on validation errors", func(t *testing.T) {
		req := require.New(t)
		rec := ts.signed(http.MethodPost, "/connect", map[string]any{"channels": []string{"room"}})

		req.Equal(http.StatusBadRequest, rec.Code)
		body := decodeBody[errorBody](t, rec)
		req.Contains(body.Fields, "username")
	})

	t.Run("should return 400 on malformed json", func(t *testing.T) {
		req := require.New(t)
		r := httptest.NewRequest(http.MethodPost, "/connect", strings.NewReader("{"))
		r.Header.Set("Authorization", "Bearer "+ts.token)
		rec := httptest.NewRecorder()
		ts.handler.ServeHTTP(rec, r)

		req.Equal(http.StatusBadRequest, rec.Code)
	})

	t.Run("should return 404 for unknown connections", func(t *testing.T) {
		req := require.New(t)
		rec := ts.signed(http.MethodPost, "/subscribe", map[string]any{
			"conn_id":  uuid.NewString(),
			"channels": []string{"room"},
		})

		req.Equal(http.StatusNotFound, rec.Code)
	})

	t.Run("should return 404 when listening on an unknown connection", func(t *testing.T) {
		req := require.New(t)
		rec := ts.do(http.MethodGet, "/listen?conn_id="+uuid.NewString(), nil, nil)

		req.Equal(http.StatusNotFound, rec.Code)
	})
}

func TestServer_Disconnect_By_Query_Or_Body(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t, false, auth.AdminCredentials{})
	first := decodeBody[services.ConnectResponse](t, ts.signed(http.MethodPost, "/connect", map[string]any{"username": "alice"}))
	second := decodeBody[services.ConnectResponse](t, ts.signed(http.MethodPost, "/connect", map[string]any{"username": "alice"}))

	rec := ts.do(http.MethodGet, "/disconnect?conn_id="+first.ConnID, nil, nil)
	req.Equal(http.StatusOK, rec.Code)
	req.True(decodeBody[disconnectResponse](t, rec).Disconnected)

	rec = ts.do(http.MethodPost, "/disconnect", map[string]any{"conn_id": second.ConnID}, nil)
	req.Equal(http.StatusOK, rec.Code)
	req.True(decodeBody[disconnectResponse](t, rec).Disconnected)

	rec = ts.do(http.MethodPost, "/disconnect", map[string]any{"conn_id": "nope"}, nil)
	req.Equal(http.StatusOK, rec.Code)
	req.False(decodeBody[disconnectResponse](t, rec).Disconnected)

	rec = ts.do(http.MethodPost, "/disconnect", nil, nil)
	req.Equal(http.StatusBadRequest, rec.Code)
}

func TestServer_Info_Accepts_Empty_Body(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t, false, auth.AdminCredentials{})
	ts.signed(http.MethodPost, "/connect", map[string]any{"username": "alice", "channels": []string{"room"}})

	rec := ts.signed(http.MethodPost, "/info", nil)

	req.Equal(http.StatusOK, rec.Code)
	info := decodeBody[runtime.ServerInfo](t, rec)
	req.Equal(1, info.TotalChannels)
	req.Contains(info.Channels, "room")
}

func TestServer_Admin_Info_Uses_Basic_Auth(t *testing.T) {
	req := require.New(t)
	hash, err := auth.HashPassword("s3cret")
	req.NoError(err)
	ts := newTestServer(t, false, auth.AdminCredentials{User: "admin", PasswordHash: hash})

	rec := ts.do(http.MethodGet, "/admin/info", nil, nil)
	req.Equal(http.StatusUnauthorized, rec.Code)
	req.NotEmpty(rec.Header().Get("WWW-Authenticate"))

	r := httptest.NewRequest(http.MethodGet, "/admin/info", nil)
	r.SetBasicAuth("admin", "s3cret")
	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, r)

	req.Equal(http.StatusOK, rec.Code)
	body := decodeBody[adminInfoResponse](t, rec)
	req.Contains(body.Tenants, runtime.DefaultTenant)
}

func TestServer_Tenant_Restricted_Token(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t, true, auth.AdminCredentials{})
	token, err := ts.signer.GenerateToken("backend", "acme", time.Hour)
	req.NoError(err)

	rec := ts.do(http.MethodPost, "/connect", map[string]any{"username": "alice"}, map[string]string{
		"Authorization": "Bearer " + token,
		TenantHeader:    "globex",
	})
	req.Equal(http.StatusUnauthorized, rec.Code)

	rec = ts.do(http.MethodPost, "/connect", map[string]any{"username": "alice"}, map[string]string{
		"Authorization": "Bearer " + token,
		TenantHeader:    "acme",
	})
	req.Equal(http.StatusOK, rec.Code)
}

func TestServer_WebSocket_Delivery(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t, false, auth.AdminCredentials{})
	srv := httptest.NewServer(ts.handler)
	defer srv.Close()

	connected := decodeBody[services.ConnectResponse](t,
		ts.signed(http.MethodPost, "/connect", map[string]any{"username": "alice", "channels": []string{"room"}}))

	// Given alice attached over a websocket
	client, _, err := gows.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws?conn_id="+connected.ConnID, nil)
	req.NoError(err)
	defer client.Close()

	// When a message is posted
	rec := ts.signed(http.MethodPost, "/message", []map[string]any{
		{"user": "bob", "channel": "room", "message": map[string]any{"text": "live"}},
	})
	req.Equal(http.StatusOK, rec.Code)

	// Then it arrives as a single frame list
	req.NoError(client.SetReadDeadline(time.Now().Add(2 * time.Second)))
	_, data, err := client.ReadMessage()
	req.NoError(err)
	var frames []map[string]any
	req.NoError(json.Unmarshal(data, &frames))
	req.Len(frames, 1)
	req.Equal(map[string]any{"text": "live"}, frames[0]["message"])
}

func TestServer_WebSocket_Unknown_Connection_Is_Rejected(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t, false, auth.AdminCredentials{})
	srv := httptest.NewServer(ts.handler)
	defer srv.Close()

	client, _, err := gows.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws?conn_id="+uuid.NewString(), nil)
	req.NoError(err)
	defer client.Close()

	req.NoError(client.SetReadDeadline(time.Now().Add(2 * time.Second)))
	_, _, err = client.ReadMessage()
	req.True(gows.IsCloseError(err, gows.ClosePolicyViolation))
}

func TestServer_Routing(t *testing.T) {
	ts := newTestServer(t, false, auth.AdminCredentials{})

	t.Run("should answer 405 on a known path with the wrong method", func(t *testing.T) {
		req := require.New(t)
		rec := ts.signed(http.MethodGet, "/message", nil)

		req.Equal(http.StatusMethodNotAllowed, rec.Code)
		req.Equal("method not allowed", decodeBody[errorBody](t, rec).Error)
	})

	t.Run("should answer 404 on an unknown path", func(t *testing.T) {
		req := require.New(t)
		rec := ts.signed(http.MethodPost, "/nowhere", nil)

		req.Equal(http.StatusNotFound, rec.Code)
		req.Equal("not found", decodeBody[errorBody](t, rec).Error)
	})

	t.Run("should route the three message methods to their handlers", func(t *testing.T) {
		req := require.New(t)
		for _, method := range []string{http.MethodPost, http.MethodPatch, http.MethodDelete} {
			rec := ts.signed(method, "/message", []any{})
			req.Equal(http.StatusOK, rec.Code, method)
		}
	})
}
