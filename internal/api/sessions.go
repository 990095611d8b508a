package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/user/shellsh/internal/db"
	"github.com/user/shellsh/internal/hub"
	"github.com/user/shellsh/internal/shell"
)

type createSessionRequest struct {
	Name     string   `json:"name"`
	WorkDir  string   `json:"work_dir,omitempty"`
	Env      []string `json:"env,omitempty"`
	Argv     []string `json:"argv,omitempty"`
	Blocking bool     `json:"blocking,omitempty"`
}

type patchSessionRequest struct {
	Blocking *bool `json:"blocking"`
}

type sendInputRequest struct {
	Line     string `json:"line"`
	Blocking *bool  `json:"blocking,omitempty"`
}

type waitRequest struct {
	TimeoutMS int64 `json:"timeout_ms"`
}

func (h *handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" {
		jsonError(w, http.StatusBadRequest, "name is required")
		return
	}

	id, err := db.NewID()
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}

	opts := h.baseOpts
	if req.WorkDir != "" {
		opts.WorkDir = req.WorkDir
	}
	if len(req.Env) > 0 {
		opts.Env = append(opts.Env, req.Env...)
	}
	if len(req.Argv) > 0 {
		opts.Argv = req.Argv
	}

	sess, err := h.manager.Create(id, req.Name, opts)
	if err != nil {
		if errors.Is(err, shell.ErrSpawn) {
			jsonError(w, http.StatusBadRequest, err.Error())
			return
		}
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	sess.SetBlocking(req.Blocking)

	go h.watchSession(sess)
	h.broadcastSessions()

	jsonResponse(w, http.StatusCreated, h.sessionInfo(sess))
}

func (h *handler) listSessions(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, h.manager.List())
}

func (h *handler) getSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.mustGetSession(w, r)
	if !ok {
		return
	}
	jsonResponse(w, http.StatusOK, h.sessionInfo(sess))
}

func (h *handler) patchSession(w http.ResponseWriter, r *http.Request) {
	var req patchSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sess, ok := h.mustGetSession(w, r)
	if !ok {
		return
	}
	if req.Blocking != nil {
		sess.SetBlocking(*req.Blocking)
	}
	jsonResponse(w, http.StatusOK, h.sessionInfo(sess))
}

func (h *handler) sendInput(w http.ResponseWriter, r *http.Request) {
	var req sendInputRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Line == "" {
		jsonError(w, http.StatusBadRequest, "line is required")
		return
	}

	sess, ok := h.mustGetSession(w, r)
	if !ok {
		return
	}
	if req.Blocking != nil {
		sess.SetBlocking(*req.Blocking)
	}

	if h.commandRepo != nil {
		record := &db.Command{
			SessionID:   sess.ID(),
			SessionName: sess.Name(),
			Line:        req.Line,
			Blocking:    sess.Blocking(),
		}
		if err := h.commandRepo.Create(r.Context(), record); err != nil {
			jsonError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	if err := sess.TypeEnter(r.Context(), req.Line); err != nil {
		status, msg := mapShellError(err)
		jsonError(w, status, msg)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (h *handler) getOutput(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.mustGetSession(w, r)
	if !ok {
		return
	}
	out, err := sess.Flush()
	if err != nil {
		status, msg := mapShellError(err)
		jsonError(w, status, msg)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{"output": out})
}

func (h *handler) waitSession(w http.ResponseWriter, r *http.Request) {
	var req waitRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sess, ok := h.mustGetSession(w, r)
	if !ok {
		return
	}

	done, err := sess.Wait(r.Context(), time.Duration(req.TimeoutMS)*time.Millisecond)
	if err != nil {
		status, msg := mapShellError(err)
		jsonError(w, status, msg)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]bool{"done": done})
}

func (h *handler) interruptSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.mustGetSession(w, r)
	if !ok {
		return
	}
	if err := sess.Stop(); err != nil {
		status, msg := mapShellError(err)
		jsonError(w, status, msg)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{"status": "interrupted"})
}

func (h *handler) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.manager.Destroy(id); err != nil {
		jsonError(w, http.StatusNotFound, err.Error())
		return
	}
	h.broadcastSessions()
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) listCommands(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.mustGetSession(w, r)
	if !ok {
		return
	}
	if h.commandRepo == nil {
		jsonResponse(w, http.StatusOK, []*db.Command{})
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			jsonError(w, http.StatusBadRequest, "invalid limit query parameter")
			return
		}
		limit = n
	}

	commands, err := h.commandRepo.ListBySession(r.Context(), sess.ID(), limit)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, commands)
}

func (h *handler) mustGetSession(w http.ResponseWriter, r *http.Request) (*shell.Session, bool) {
	id := r.PathValue("id")
	sess, err := h.manager.Get(id)
	if err != nil {
		jsonError(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	return sess, true
}

func (h *handler) sessionInfo(sess *shell.Session) shell.SessionInfo {
	return shell.SessionInfo{
		ID:        sess.ID(),
		Name:      sess.Name(),
		Active:    !sess.Closed() && !sess.Terminated(),
		Blocking:  sess.Blocking(),
		State:     sess.CurrentState().String(),
		CreatedAt: sess.CreatedAt(),
	}
}

// watchSession pumps a session's event stream into the hub until the
// session shuts down.
func (h *handler) watchSession(sess *shell.Session) {
	for ev := range sess.Events() {
		if h.hub == nil {
			continue
		}
		switch ev.Type {
		case shell.EventOutput:
			h.hub.BroadcastOutput(ev.ID, ev.Data)
		case shell.EventClosed:
			h.hub.BroadcastStatus(ev.ID, "closed")
		}
	}
	h.broadcastSessions()
}

func (h *handler) broadcastSessions() {
	if h.hub == nil {
		return
	}
	infos := h.manager.List()
	summaries := make([]hub.SessionSummary, 0, len(infos))
	for _, info := range infos {
		summaries = append(summaries, hub.SessionSummary{
			ID:    info.ID,
			Name:  info.Name,
			State: info.State,
		})
	}
	h.hub.BroadcastSessions(summaries)
}

func mapShellError(err error) (int, string) {
	switch {
	case err == nil:
		return http.StatusOK, ""
	case errors.Is(err, shell.ErrSessionClosed):
		return http.StatusGone, err.Error()
	case errors.Is(err, shell.ErrChannelClosed):
		return http.StatusConflict, err.Error()
	case errors.Is(err, shell.ErrSpawn):
		return http.StatusBadRequest, err.Error()
	default:
		return http.StatusInternalServerError, err.Error()
	}
}
