package auth

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-shop-auth/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-shop-auth/pkg/utilities"
)

// Handler exposes register, login, refresh, logout and me.
type Handler struct {
	svc    *Service
	logger *zap.SugaredLogger
}

func NewHandler(svc *Service, logger *zap.SugaredLogger) *Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Handler{svc: svc, logger: logger}
}

type LoginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !h.decode(w, r, &req) {
		return
	}
	resp, err := h.svc.Register(r.Context(), req)
	if err != nil {
		h.fail(w, "register failed", err)
		return
	}
	utilities.WriteJSON(w, http.StatusCreated, resp)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !h.decode(w, r, &req) {
		return
	}
	resp, err := h.svc.Login(r.Context(), req.Login, req.Password)
	if err != nil {
		h.fail(w, "login failed", err)
		return
	}
	utilities.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if !h.decode(w, r, &req) {
		return
	}
	resp, err := h.svc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		h.fail(w, "refresh failed", err)
		return
	}
	utilities.WriteJSON(w, http.StatusOK, resp)
}

// Logout and Me expect Bearer to have run.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromContext(r.Context())
	if err := h.svc.Logout(r.Context(), p); err != nil {
		h.fail(w, "logout failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromContext(r.Context())
	profile, err := h.svc.Me(r.Context(), p)
	if err != nil {
		h.fail(w, "load profile failed", err)
		return
	}
	utilities.WriteJSON(w, http.StatusOK, profile)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := utilities.DecodeJSON(w, r, dst); err != nil {
		h.logger.Debugw("invalid payload", "path", r.URL.Path, "err", err)
		apperr.Write(w, fmt.Errorf("%w: %v", apperr.ErrInvalidInput, err))
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, msg string, err error) {
	if apperr.Status(err) >= http.StatusInternalServerError {
		h.logger.Errorw(msg, "err", err)
	} else {
		h.logger.Debugw(msg, "err", err)
	}
	apperr.Write(w, err)
}
