package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rickgao/brokerlink/internal/auth"
	"github.com/rickgao/brokerlink/internal/breaker"
	"github.com/rickgao/brokerlink/internal/failure"
	"github.com/rickgao/brokerlink/internal/gateway"
	"github.com/rickgao/brokerlink/internal/probe"
	"github.com/rickgao/brokerlink/internal/protocol"
	"github.com/rickgao/brokerlink/internal/session"
	"github.com/rickgao/brokerlink/internal/version"
)

// pinger is the database check used by /health. *pgxpool.Pool implements it.
type pinger interface {
	Ping(ctx context.Context) error
}

type connectRequest struct {
	UserID string `json:"user_id"`
	Token  string `json:"token"`
}

type connectResponse struct {
	SessionID string               `json:"session_id"`
	UserID    string               `json:"user_id"`
	ConnID    string               `json:"conn_id"`
	Account   protocol.AccountInfo `json:"account"`
}

type validateRequest struct {
	Token    string   `json:"token"`
	Required []string `json:"required,omitempty"`
}

// newAdminHandler serves health, metrics and the session and breaker admin
// endpoints. db may be nil when the audit log is disabled.
func newAdminHandler(svc *gateway.Service, db pinger, reg prometheus.Gatherer, metricsPath string, logger *slog.Logger) http.Handler {
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	mux := http.NewServeMux()

	mux.Handle(metricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, version.Get())
	})

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]any),
		}

		// Check database
		if db != nil {
			if err := db.Ping(ctx); err != nil {
				health.Status = "unhealthy"
				health.Components["audit_db"] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
			} else {
				health.Components["audit_db"] = "connected"
			}
		}

		health.Components["sessions"] = map[string]any{
			"users":    len(svc.Users()),
			"sessions": svc.SessionCount(),
		}

		var open []string
		for _, k := range svc.Breakers() {
			if svc.BreakerStatus(k.UserID, k.BotID).State == breaker.Open {
				open = append(open, k.String())
			}
		}
		health.Components["breakers"] = map[string]any{
			"tracked": len(svc.Breakers()),
			"open":    open,
		}
		if len(open) > 0 && health.Status == "healthy" {
			health.Status = "degraded"
		}

		status := http.StatusOK
		if health.Status == "unhealthy" {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, health)
	})

	mux.HandleFunc("GET /sessions", func(w http.ResponseWriter, r *http.Request) {
		users := svc.Users()
		if u := r.URL.Query().Get("user"); u != "" {
			users = []string{u}
		}
		out := make([]session.Session, 0)
		for _, u := range users {
			out = append(out, svc.ListSessions(u)...)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"count":    len(out),
			"sessions": out,
		})
	})

	mux.HandleFunc("POST /sessions", func(w http.ResponseWriter, r *http.Request) {
		var req connectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		token, err := auth.NewToken(req.Token)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		sess, err := svc.Connect(r.Context(), req.UserID, token)
		if err != nil {
			logger.Warn("admin connect failed", "user_id", req.UserID, "token", token, "error", err)
			writeError(w, statusFor(err), err.Error())
			return
		}
		account, _ := sess.Conn.Account()
		writeJSON(w, http.StatusCreated, connectResponse{
			SessionID: sess.ID,
			UserID:    sess.UserID,
			ConnID:    sess.Conn.ID(),
			Account:   account,
		})
	})

	mux.HandleFunc("POST /sessions/revoke", func(w http.ResponseWriter, r *http.Request) {
		user := r.URL.Query().Get("user")
		if user == "" {
			writeError(w, http.StatusBadRequest, "user is required")
			return
		}
		closed := svc.TeardownUser(r.Context(), user)
		writeJSON(w, http.StatusOK, map[string]any{
			"user_id": user,
			"closed":  closed,
		})
	})

	mux.HandleFunc("GET /breakers", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		user, bot := q.Get("user"), q.Get("bot")
		if user != "" && bot != "" {
			writeJSON(w, http.StatusOK, svc.BreakerStatus(user, bot))
			return
		}
		out := make([]breaker.Status, 0)
		for _, k := range svc.Breakers() {
			if user != "" && k.UserID != user {
				continue
			}
			out = append(out, svc.BreakerStatus(k.UserID, k.BotID))
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"count":    len(out),
			"breakers": out,
		})
	})

	mux.HandleFunc("POST /breakers/reset", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		user, bot := q.Get("user"), q.Get("bot")
		if user == "" || bot == "" {
			writeError(w, http.StatusBadRequest, "user and bot are required")
			return
		}
		svc.ResetBreaker(user, bot)
		logger.Info("breaker reset by admin", "user_id", user, "bot_id", bot)
		writeJSON(w, http.StatusOK, svc.BreakerStatus(user, bot))
	})

	mux.HandleFunc("POST /tokens/validate", func(w http.ResponseWriter, r *http.Request) {
		var req validateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		token, err := auth.NewToken(req.Token)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		required := make([]probe.Permission, 0, len(req.Required))
		for _, s := range req.Required {
			p, err := probe.ParsePermission(s)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			required = append(required, p)
		}

		res := svc.ValidateToken(r.Context(), token, required...)
		logger.Info("token validated", "token", token, "valid", res.IsValid)
		writeJSON(w, http.StatusOK, res)
	})

	return mux
}

// statusFor maps a connect failure to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrInvalidUser):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrStopped):
		return http.StatusServiceUnavailable
	}
	switch failure.KindOf(err) {
	case failure.AuthenticationFailed:
		return http.StatusUnauthorized
	case failure.PermissionDenied:
		return http.StatusForbidden
	case failure.ConnectionTimeout, failure.RequestTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
