package proxy

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/yuanshang000/ds2api/pkg/account"
	"github.com/yuanshang000/ds2api/pkg/version"
)

const adminWSPingInterval = 25 * time.Second

type adminAccount struct {
	account.Status
	Health *AccountHealth `json:"health,omitempty"`
}

type adminWSClient struct {
	ch chan []byte
}

// AdminHandler serves the account management API. It is only mounted when an
// authenticator is configured.
type AdminHandler struct {
	auth   AdminAuthenticator
	pool   *account.Pool
	health *AccountHealthChecker
	logger *log.Logger

	wsMu      sync.Mutex
	wsClients map[*adminWSClient]struct{}
}

func NewAdminHandler(auth AdminAuthenticator, pool *account.Pool, health *AccountHealthChecker, logger *log.Logger) *AdminHandler {
	return &AdminHandler{
		auth:      auth,
		pool:      pool,
		health:    health,
		logger:    logger,
		wsClients: map[*adminWSClient]struct{}{},
	}
}

func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Route("/admin", func(ar chi.Router) {
		ar.Use(h.requireAdmin)
		ar.Get("/accounts", h.accountsAPI)
		ar.Post("/accounts/check", h.accountsCheckAPI)
		ar.Post("/accounts/{id}/login", h.accountLoginAPI)
		ar.Get("/version", h.versionAPI)
		ar.Get("/ws", h.adminWebsocket)
	})
}

// requireAdmin accepts the admin key as a bearer token, or as the key query
// parameter for websocket clients that cannot set headers.
func (h *AdminHandler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header)
		if token == "" {
			token = r.URL.Query().Get("key")
		}
		if h.auth == nil || !h.auth.Verify(token) {
			writeError(w, http.StatusUnauthorized, errTypeAuthentication, "admin authorization required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *AdminHandler) accounts() []adminAccount {
	statuses := h.pool.Statuses()
	out := make([]adminAccount, 0, len(statuses))
	for _, st := range statuses {
		item := adminAccount{Status: st}
		if snap, ok := h.health.Snapshot(st.ID); ok {
			item.Health = &snap
		}
		out = append(out, item)
	}
	return out
}

func (h *AdminHandler) accountsAPI(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"accounts": h.accounts()})
}

// accountsCheckAPI starts a health pass over every account without waiting
// for the check interval. Results arrive on the websocket feed.
func (h *AdminHandler) accountsCheckAPI(w http.ResponseWriter, _ *http.Request) {
	h.health.Trigger()
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "scheduled"})
}

func (h *AdminHandler) accountLoginAPI(w http.ResponseWriter, r *http.Request) {
	id, err := url.PathUnescape(chi.URLParam(r, "id"))
	if err != nil || strings.TrimSpace(id) == "" {
		writeError(w, http.StatusBadRequest, errTypeInvalidRequest, "invalid account id")
		return
	}
	start := time.Now()
	_, err = h.pool.ForceLogin(r.Context(), id)
	if errors.Is(err, account.ErrUnknownAccount) {
		writeError(w, http.StatusNotFound, errTypeInvalidRequest, err.Error())
		return
	}
	h.health.Record(id, time.Since(start), err)
	h.Notify()
	if err != nil {
		h.logger.Warn("admin login failed", "account", id, "err", err)
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": healthOnline})
}

func (h *AdminHandler) versionAPI(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, version.Current())
}

func (h *AdminHandler) registerWSClient(c *adminWSClient) {
	h.wsMu.Lock()
	defer h.wsMu.Unlock()
	h.wsClients[c] = struct{}{}
}

func (h *AdminHandler) unregisterWSClient(c *adminWSClient) {
	h.wsMu.Lock()
	defer h.wsMu.Unlock()
	if _, ok := h.wsClients[c]; ok {
		delete(h.wsClients, c)
		close(c.ch)
	}
}

func (h *AdminHandler) snapshotMessage() []byte {
	b, err := json.Marshal(map[string]any{"type": "accounts", "accounts": h.accounts()})
	if err != nil {
		return nil
	}
	return b
}

// Notify pushes the current account list to every websocket client. Slow
// clients miss updates rather than block the caller.
func (h *AdminHandler) Notify() {
	if h == nil {
		return
	}
	msg := h.snapshotMessage()
	if msg == nil {
		return
	}
	h.wsMu.Lock()
	defer h.wsMu.Unlock()
	for c := range h.wsClients {
		select {
		case c.ch <- msg:
		default:
		}
	}
}

func (h *AdminHandler) adminWebsocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(req *http.Request) bool {
			origin := strings.TrimSpace(req.Header.Get("Origin"))
			if origin == "" {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			return strings.EqualFold(u.Host, req.Host)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})
	client := &adminWSClient{ch: make(chan []byte, 16)}
	h.registerWSClient(client)
	defer h.unregisterWSClient(client)
	if msg := h.snapshotMessage(); msg != nil {
		select {
		case client.ch <- msg:
		default:
		}
	}

	pingTicker := time.NewTicker(adminWSPingInterval)
	defer pingTicker.Stop()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			// Clients only send to keep the connection alive.
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	for {
		select {
		case <-done:
			return
		case <-pingTicker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case msg, ok := <-client.ch:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}
