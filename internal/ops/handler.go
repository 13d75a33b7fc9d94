package ops

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/shopstate/kvcore/internal/cart"
	"github.com/shopstate/kvcore/internal/metrics"
	"github.com/shopstate/kvcore/internal/ratelimit"
	"github.com/shopstate/kvcore/internal/session"
	"github.com/shopstate/kvcore/internal/store"
	"github.com/shopstate/kvcore/internal/tokens"
	"github.com/shopstate/kvcore/internal/users"
)

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Deps are the components the ops surface reports on and acts upon. DB and
// Users are optional. The /admin routes exist only when AdminToken is set.
type Deps struct {
	Store          *store.Client
	DB             Pinger
	Sessions       *session.Manager
	Carts          *cart.Manager
	Tokens         *tokens.Store
	Users          *users.Cache
	Limiter        *ratelimit.Limiter
	Rule           ratelimit.Rule // applied to /admin routes
	AdminToken     string         // bearer credential for /admin routes
	TrustedProxies []netip.Prefix // peers allowed to set X-Forwarded-For
	Logger         *slog.Logger
}

type handler struct {
	Deps
}

// NewHandler builds the ops mux.
func NewHandler(d Deps) http.Handler {
	h := &handler{Deps: d}
	if h.Logger == nil {
		h.Logger = d.Store.Logger()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.health)
	mux.Handle("GET /metrics", metrics.Handler())

	if h.AdminToken == "" {
		h.Logger.Warn("admin token not configured, admin routes disabled")
		return mux
	}

	admin := http.NewServeMux()
	admin.HandleFunc("DELETE /admin/users/{id}/sessions", h.revokeSessions)
	admin.HandleFunc("DELETE /admin/users/{id}/refresh-token", h.revokeToken)
	admin.HandleFunc("GET /admin/users/{id}/cart", h.getCart)
	admin.HandleFunc("DELETE /admin/users/{id}/cart", h.clearCart)
	admin.HandleFunc("GET /admin/ratelimit/{identifier}", h.peekLimit)
	if h.Users != nil {
		admin.HandleFunc("DELETE /admin/accounts/{kind}/{id}/cache", h.invalidateAccount)
	}

	// Failed credentials count against the limit too.
	limit := ratelimit.Middleware(h.Limiter, h.Rule, ratelimit.ClientIPFrom(h.TrustedProxies))
	mux.Handle("/admin/", limit(h.requireToken(admin)))
	return mux
}

// requireToken rejects requests without "Authorization: Bearer <AdminToken>".
func (h *handler) requireToken(next http.Handler) http.Handler {
	want := []byte(h.AdminToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), want) != 1 {
			h.Logger.Warn("admin request rejected", "path", r.URL.Path, "remote", r.RemoteAddr)
			w.Header().Set("WWW-Authenticate", `Bearer realm="kvcore-admin"`)
			h.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type healthResponse struct {
	Status   string       `json:"status"`
	Store    store.Health `json:"store"`
	Info     *store.Info  `json:"info,omitempty"`
	Postgres *dbHealth    `json:"postgres,omitempty"`
	Time     time.Time    `json:"timestamp"`
}

type dbHealth struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status: "ok",
		Store:  h.Store.Health(r.Context()),
		Time:   time.Now().UTC(),
	}
	if resp.Store.Healthy {
		resp.Info = h.Store.Info(r.Context())
	} else {
		resp.Status = "degraded"
	}

	if h.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		resp.Postgres = &dbHealth{Healthy: true}
		if err := h.DB.PingContext(ctx); err != nil {
			resp.Postgres = &dbHealth{Error: err.Error()}
			resp.Status = "degraded"
		}
	}

	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, resp)
}

func (h *handler) revokeSessions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	n := h.Sessions.DestroyUser(r.Context(), id)
	h.Logger.Info("sessions revoked", "user_id", id, "count", n)
	h.writeJSON(w, http.StatusOK, map[string]int{"destroyed": n})
}

func (h *handler) revokeToken(w http.ResponseWriter, r *http.Request) {
	removed := h.Tokens.Revoke(r.Context(), r.PathValue("id"))
	h.writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

func (h *handler) getCart(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.Carts.Get(r.Context(), r.PathValue("id")))
}

func (h *handler) clearCart(w http.ResponseWriter, r *http.Request) {
	removed := h.Carts.Clear(r.Context(), r.PathValue("id"))
	h.writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

func (h *handler) peekLimit(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.Limiter.Peek(r.Context(), r.PathValue("identifier"), h.Rule))
}

func (h *handler) invalidateAccount(w http.ResponseWriter, r *http.Request) {
	kind := users.Kind(r.PathValue("kind"))
	if kind != users.KindUser && kind != users.KindAdmin {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown account kind"})
		return
	}
	removed := h.Users.Invalidate(r.Context(), kind, r.PathValue("id"))
	h.writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

func (h *handler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.Logger.Warn("write response failed", "error", err)
	}
}
