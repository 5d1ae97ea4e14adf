// Package api exposes the hub over HTTP: signed backend endpoints, the
// client endpoints (listen, ws, disconnect) and the admin info endpoint.
package api

import (
	"channel-hub/auth"
	"channel-hub/observability"
	"channel-hub/runtime"
	"channel-hub/services"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	gows "github.com/gorilla/websocket"
)

const TenantHeader = "X-Tenant-ID"

type Options struct {
	AllowCORS       bool
	MultiTenant     bool
	WSPingTimeout   time.Duration
	ListenWakeAfter time.Duration
	MaxBodyBytes    int64
}

type Server struct {
	log      *slog.Logger
	hub      services.IHubService
	signer   *auth.Signer
	admin    auth.AdminCredentials
	monitor  *observability.MonitoringManager
	upgrader gows.Upgrader
	opts     Options
}

func NewServer(
	log *slog.Logger,
	hub services.IHubService,
	signer *auth.Signer,
	admin auth.AdminCredentials,
	monitor *observability.MonitoringManager,
	upgrader gows.Upgrader,
	opts Options,
) *Server {
	if opts.MaxBodyBytes == 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	return &Server{log: log, hub: hub, signer: signer, admin: admin, monitor: monitor, upgrader: upgrader, opts: opts}
}

// Handler builds the route table. Backend routes need a signed token, the
// admin route basic auth; client routes are authorised by the unguessable
// connection id.
func (s *Server) Handler() http.Handler {
	unauthorized := func(w http.ResponseWriter, err error) {
		if err != nil {
			s.log.Debug("Rejected request", "error", err)
		}
		writeJSON(s.log, w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
	}

	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(s.log, w, http.StatusNotFound, errorBody{Error: "not found"})
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(s.log, w, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed"})
	})

	backend := r.NewRoute().Subrouter()
	backend.Use(auth.RequireBackend(s.signer, unauthorized))
	backend.HandleFunc("/connect", s.connect).Methods(http.MethodPost)
	backend.HandleFunc("/subscribe", s.subscribe).Methods(http.MethodPost)
	backend.HandleFunc("/unsubscribe", s.unsubscribe).Methods(http.MethodPost)
	backend.HandleFunc("/user_state", s.userState).Methods(http.MethodPost)
	backend.HandleFunc("/message", s.postMessages).Methods(http.MethodPost)
	backend.HandleFunc("/message", s.editMessages).Methods(http.MethodPatch)
	backend.HandleFunc("/message", s.deleteMessages).Methods(http.MethodDelete)
	backend.HandleFunc("/channel_config", s.channelConfig).Methods(http.MethodPost)
	backend.HandleFunc("/info", s.info).Methods(http.MethodPost)

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(auth.RequireAdmin(s.admin, unauthorized))
	admin.HandleFunc("/info", s.adminInfo).Methods(http.MethodGet)

	r.HandleFunc("/disconnect", s.disconnect).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/listen", s.listen).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.ws).Methods(http.MethodGet)

	// Preflight requests match no route, so CORS wraps the router.
	if s.opts.AllowCORS {
		return cors(r)
	}
	return r
}

// tenant resolves the tenant of the request. In single-tenant mode every
// request lands on the default tenant.
func (s *Server) tenant(r *http.Request) string {
	if !s.opts.MultiTenant {
		return runtime.DefaultTenant
	}
	if id := r.Header.Get(TenantHeader); id != "" {
		return id
	}
	if id := r.URL.Query().Get("tenant"); id != "" {
		return id
	}
	return runtime.DefaultTenant
}

// backendTenant also checks that the signed claims may act on the tenant.
func (s *Server) backendTenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenant := s.tenant(r)
	if claims, ok := auth.ClaimsFrom(r.Context()); ok && !claims.Allows(tenant) {
		writeJSON(s.log, w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
		return "", false
	}
	return tenant, true
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, "+TenantHeader)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
