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

func (h *Handlers) SecurityMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := h.svc.SecurityMetrics(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, m)
}

func (h *Handlers) SecurityEvents(w http.ResponseWriter, r *http.Request) {
	limit, offset := parseLimitOffset(r)
	q := r.URL.Query()
	items, err := h.svc.SecurityEvents(r.Context(), service.EventFilter{
		Type:     q.Get("type"),
		Severity: q.Get("severity"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{"items": items, "limit": limit, "offset": offset})
}

func (h *Handlers) FirewallRules(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.FirewallRules(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handlers) VulnerabilityScans(w http.ResponseWriter, r *http.Request) {
	limit, offset := parseLimitOffset(r)
	items, err := h.svc.VulnerabilityScans(r.Context(), limit, offset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{"items": items, "limit": limit, "offset": offset})
}

func (h *Handlers) RecordScan(w http.ResponseWriter, r *http.Request) {
	var req service.ScanInput
	if !decodeJSON(w, r, &req) {
		return
	}
	admin, _ := middleware.Identity(r.Context())
	scan, err := h.svc.RecordScan(r.Context(), admin, req, clientOf(r, h.cfg.TrustProxy))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusCreated, scan)
}

func (h *Handlers) TopAttackingIPs(w http.ResponseWriter, r *http.Request) {
	limit, _ := parseLimitOffset(r)
	items, err := h.svc.TopAttackingIPs(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handlers) BlockedIPs(w http.ResponseWriter, r *http.Request) {
	limit, offset := parseLimitOffset(r)
	activeOnly := r.URL.Query().Get("all") != "true"
	items, err := h.svc.BlockedIPs(r.Context(), activeOnly, limit, offset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{"items": items, "limit": limit, "offset": offset})
}

type blockRequest struct {
	IP     string `json:"ip"`
	Reason string `json:"reason"`
}

func (h *Handlers) BlockIP(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	admin, _ := middleware.Identity(r.Context())
	entry, err := h.svc.BlockIP(r.Context(), admin, req.IP, req.Reason, clientOf(r, h.cfg.TrustProxy))
	if errors.Is(err, store.ErrConflict) {
		util.WriteError(w, http.StatusConflict, "already_blocked", "ip is already blocked", middleware.RequestID(r.Context()))
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusCreated, entry)
}

func (h *Handlers) UnblockIP(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	admin, _ := middleware.Identity(r.Context())
	err := h.svc.UnblockIP(r.Context(), admin, req.IP, clientOf(r, h.cfg.TrustProxy))
	if errors.Is(err, store.ErrNotFound) {
		util.WriteError(w, http.StatusNotFound, "not_blocked", "ip is not blocked", middleware.RequestID(r.Context()))
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) AuditLog(w http.ResponseWriter, r *http.Request) {
	limit, offset := parseLimitOffset(r)
	items, err := h.svc.AuditLog(r.Context(), r.URL.Query().Get("action"), limit, offset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{"items": items, "limit": limit, "offset": offset})
}

func (h *Handlers) RevokeUserSessions(w http.ResponseWriter, r *http.Request) {
	admin, _ := middleware.Identity(r.Context())
	n, err := h.svc.AdminRevokeUserSessions(r.Context(), admin, chi.URLParam(r, "id"), clientOf(r, h.cfg.TrustProxy))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "revokedSessions": n})
}
