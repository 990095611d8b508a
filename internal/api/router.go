package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/user/shellsh/internal/db"
	"github.com/user/shellsh/internal/hub"
	"github.com/user/shellsh/internal/shell"
)

type handler struct {
	manager     *shell.Manager
	commandRepo *db.CommandRepo
	hub         *hub.Hub
	baseOpts    shell.Options
}

// NewRouter builds the HTTP API. commandRepo may be nil when history is
// disabled; hubInst may be nil when no websocket layer is wired.
func NewRouter(manager *shell.Manager, commandRepo *db.CommandRepo, hubInst *hub.Hub, token string, baseOpts shell.Options) http.Handler {
	handler := &handler{
		manager:     manager,
		commandRepo: commandRepo,
		hub:         hubInst,
		baseOpts:    baseOpts,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/sessions", handler.createSession)
	mux.HandleFunc("GET /api/sessions", handler.listSessions)
	mux.HandleFunc("GET /api/sessions/{id}", handler.getSession)
	mux.HandleFunc("PATCH /api/sessions/{id}", handler.patchSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", handler.deleteSession)

	mux.HandleFunc("POST /api/sessions/{id}/input", handler.sendInput)
	mux.HandleFunc("GET /api/sessions/{id}/output", handler.getOutput)
	mux.HandleFunc("POST /api/sessions/{id}/wait", handler.waitSession)
	mux.HandleFunc("POST /api/sessions/{id}/interrupt", handler.interruptSession)
	mux.HandleFunc("GET /api/sessions/{id}/commands", handler.listCommands)

	wrapped := authMiddleware(token)(jsonMiddleware(corsMiddleware(mux)))
	return wrapped
}

func authMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
			if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
				if strings.TrimSpace(authHeader[7:]) == token {
					next.ServeHTTP(w, r)
					return
				}
			}

			if r.URL.Query().Get("token") == token {
				next.ServeHTTP(w, r)
				return
			}

			jsonError(w, http.StatusUnauthorized, "unauthorized")
		})
	}
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,PUT,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return io.ErrUnexpectedEOF
	}
	return nil
}
