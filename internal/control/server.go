// Package control exposes a small HTTP API for steering a running sync
// daemon, plus the client the CLI uses to call it. The API binds to
// localhost by default; an optional bcrypt-hashed password protects it
// when exposed further.
package control

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/foldsync/foldsync/internal/mirror"
)

// writeTimeout bounds a single websocket push so one stuck subscriber
// cannot wedge the events handler.
const writeTimeout = 5 * time.Second

// Controller is the running session surface the control API steers.
// *mirror.Session satisfies it.
type Controller interface {
	Start(ctx context.Context) error
	Stop()
	Retry()
	Health() mirror.Health
}

var _ Controller = (*mirror.Session)(nil)

// StatusResponse is returned from GET /api/status.
type StatusResponse struct {
	Profile string        `json:"profile"`
	Folder  string        `json:"folder"`
	Remote  string        `json:"remote"`
	Health  mirror.Health `json:"health"`
}

// ActionResponse acknowledges a control action.
type ActionResponse struct {
	Result string `json:"result"`
}

// ErrorResponse is the JSON body of a failed control API call.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ServerConfig holds dependencies for building the control mux.
type ServerConfig struct {
	Controller Controller
	Status     *Hub
	Profile    string
	Folder     string
	Remote     string
	// PasswordHash is a bcrypt hash; empty disables authentication.
	PasswordHash string
	Logger       *slog.Logger
}

// NewMux builds the control API mux. Every endpoint sits behind the
// password middleware when a hash is configured.
func NewMux(cfg ServerConfig) *http.ServeMux {
	mux := http.NewServeMux()
	guard := middleware(cfg.PasswordHash, cfg.Logger)

	mux.Handle("/api/status", guard(handleStatus(cfg)))
	mux.Handle("/api/retry", guard(handleRetry(cfg)))
	mux.Handle("/api/stop", guard(handleStop(cfg)))
	mux.Handle("/api/start", guard(handleStart(cfg)))
	mux.Handle("/api/events", guard(handleEvents(cfg)))

	return mux
}

// middleware returns HTTP middleware that checks the control password
// presented as a Bearer token against the configured bcrypt hash. With
// no hash configured every request passes.
func middleware(passwordHash string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if passwordHash == "" {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				logger.Debug("control request without password",
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, "control password required")

				return
			}

			password := strings.TrimPrefix(authHeader, "Bearer ")
			if err := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(password)); err != nil {
				logger.Debug("control request with wrong password",
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, "wrong control password")

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func handleStatus(cfg ServerConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, StatusResponse{
			Profile: cfg.Profile,
			Folder:  cfg.Folder,
			Remote:  cfg.Remote,
			Health:  cfg.Controller.Health(),
		})
	})
}

func handleRetry(cfg ServerConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		cfg.Controller.Retry()
		writeJSON(w, http.StatusOK, ActionResponse{Result: "retry requested"})
	})
}

func handleStop(cfg ServerConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		cfg.Controller.Stop()
		writeJSON(w, http.StatusOK, ActionResponse{Result: "stopped"})
	})
}

func handleStart(cfg ServerConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := cfg.Controller.Start(r.Context()); err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, ActionResponse{Result: "started"})
	})
}

// handleEvents upgrades to a websocket and pushes every status event to
// the subscriber until it disconnects.
func handleEvents(cfg ServerConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			cfg.Logger.Debug("websocket accept failed", slog.String("error", err.Error()))
			return
		}
		defer conn.CloseNow()

		events, unsubscribe := cfg.Status.Subscribe()
		defer unsubscribe()

		cfg.Logger.Debug("status subscriber connected", slog.String("remote", r.RemoteAddr))

		// Subscribers never send; CloseRead surfaces their disconnect
		// as a cancelled context.
		ctx := conn.CloseRead(r.Context())
		for {
			select {
			case <-ctx.Done():
				conn.Close(websocket.StatusNormalClosure, "")
				return
			case ev := <-events:
				data, err := json.Marshal(ev)
				if err != nil {
					cfg.Logger.Warn("could not encode status event", slog.String("error", err.Error()))
					return
				}
				wctx, cancel := context.WithTimeout(ctx, writeTimeout)
				err = conn.Write(wctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					cfg.Logger.Debug("status subscriber dropped", slog.String("error", err.Error()))
					return
				}
			}
		}
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
