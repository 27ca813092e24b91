package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"dashauth/internal/middleware"
	"dashauth/internal/service"
	"dashauth/internal/store"
	"dashauth/internal/util"
)

func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	var req service.RegisterInput
	if !decodeJSON(w, r, &req) {
		return
	}
	u, err := h.svc.Register(r.Context(), req, clientOf(r, h.cfg.TrustProxy))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusCreated, map[string]any{"user": u})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.svc.Login(r.Context(), req.Email, req.Password, clientOf(r, h.cfg.TrustProxy))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, res)
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (h *Handlers) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	access, err := h.svc.Refresh(r.Context(), req.RefreshToken, clientOf(r, h.cfg.TrustProxy))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]string{"accessToken": access})
}

func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.Identity(r.Context())
	if err := h.svc.Logout(r.Context(), id, clientOf(r, h.cfg.TrustProxy)); err != nil {
		h.writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) Me(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.Identity(r.Context())
	u, err := h.svc.Me(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{"user": u, "session_id": id.SessionID})
}

func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.Identity(r.Context())
	items, err := h.svc.ListSessions(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{"items": items, "current": id.SessionID})
}

func (h *Handlers) RevokeSession(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.Identity(r.Context())
	err := h.svc.RevokeSession(r.Context(), id, chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		util.WriteError(w, http.StatusNotFound, "not_found", "session not found", middleware.RequestID(r.Context()))
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

func (h *Handlers) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id, _ := middleware.Identity(r.Context())
	n, err := h.svc.ChangePassword(r.Context(), id, req.CurrentPassword, req.NewPassword, clientOf(r, h.cfg.TrustProxy))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "revokedSessions": n})
}
