package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/charmbracelet/log"

	"github.com/epilab/vaccgame/internal/store"
)

// AdminHandler exposes the operator API: session provisioning, status
// inspection and the manual recheck used to unstick a group whose
// finalize trigger was lost.
type AdminHandler struct {
	service *GameService
	token   string
	logger  *log.Logger
}

// NewAdminHandler creates a new admin handler. An empty token disables
// the whole admin surface.
func NewAdminHandler(service *GameService, token string, logger *log.Logger) *AdminHandler {
	return &AdminHandler{
		service: service,
		token:   token,
		logger:  logger.WithPrefix("admin"),
	}
}

// Register mounts the admin routes on the mux.
func (a *AdminHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /admin/sessions", a.withAuth(a.handleCreateSession))
	mux.HandleFunc("GET /admin/sessions", a.withAuth(a.handleListSessions))
	mux.HandleFunc("GET /admin/sessions/{id}", a.withAuth(a.handleSessionStatus))
	mux.HandleFunc("POST /admin/groups/{id}/recheck", a.withAuth(a.handleRecheck))
}

func (a *AdminHandler) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.token == "" {
			a.writeError(w, http.StatusForbidden, "admin API disabled")
			return
		}
		if r.Header.Get("X-Admin-Token") != a.token {
			a.writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}
		next(w, r)
	}
}

// CreateSessionRequest is the admin payload for provisioning a session.
type CreateSessionRequest struct {
	Name      string `json:"name"`
	Groups    int    `json:"groups"`
	GroupSize int    `json:"groupSize"`
	Rounds    int    `json:"rounds"`
}

func (a *AdminHandler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	created, err := a.service.CreateSession(r.Context(), SessionSpec{
		Name:      req.Name,
		Groups:    req.Groups,
		GroupSize: req.GroupSize,
		Rounds:    req.Rounds,
	})
	if err != nil {
		a.logger.Error("Session creation failed", "error", err)
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	a.logger.Info("Session created", "id", created.Session.ID, "name", created.Session.Name)
	a.writeJSON(w, http.StatusCreated, created)
}

func (a *AdminHandler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := a.service.ListSessions(r.Context())
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sessions == nil {
		sessions = []*store.Session{}
	}
	a.writeJSON(w, http.StatusOK, sessions)
}

func (a *AdminHandler) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	status, err := a.service.SessionStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			a.writeError(w, http.StatusNotFound, "session not found")
			return
		}
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	a.writeJSON(w, http.StatusOK, status)
}

func (a *AdminHandler) handleRecheck(w http.ResponseWriter, r *http.Request) {
	groupID := r.PathValue("id")

	if err := a.service.Recheck(r.Context(), groupID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			a.writeError(w, http.StatusNotFound, "group not found")
			return
		}
		a.logger.Error("Recheck failed", "group", groupID, "error", err)
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	a.logger.Info("Recheck completed", "group", groupID)
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *AdminHandler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("Failed to encode response", "error", err)
	}
}

func (a *AdminHandler) writeError(w http.ResponseWriter, code int, msg string) {
	a.writeJSON(w, code, map[string]string{"error": msg})
}
