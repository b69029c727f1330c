package permission

import (
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-shop-auth/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-shop-auth/pkg/utilities"
)

// Handler exposes role administration and cache eviction. Routes are
// expected to be guarded by admin:all.
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

type RoleRequest struct {
	Role string `json:"role"`
}

// EvictRequest clears one user when Username is set, the whole cache otherwise.
type EvictRequest struct {
	Username string `json:"username"`
}

func (h *Handler) AssignRole(w http.ResponseWriter, r *http.Request) {
	var req RoleRequest
	if err := utilities.DecodeJSON(w, r, &req); err != nil {
		apperr.Write(w, fmt.Errorf("%w: %v", apperr.ErrInvalidInput, err))
		return
	}
	role := strings.TrimSpace(req.Role)
	if role == "" {
		apperr.Write(w, fmt.Errorf("%w: role is required", apperr.ErrInvalidInput))
		return
	}
	if err := h.svc.AssignRole(r.Context(), r.PathValue("username"), role); err != nil {
		h.fail(w, "assign role failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) RevokeRole(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.RevokeRole(r.Context(), r.PathValue("username"), r.PathValue("role")); err != nil {
		h.fail(w, "revoke role failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// EvictCache accepts an empty body as "evict everything".
func (h *Handler) EvictCache(w http.ResponseWriter, r *http.Request) {
	var req EvictRequest
	if r.ContentLength != 0 {
		if err := utilities.DecodeJSON(w, r, &req); err != nil {
			apperr.Write(w, fmt.Errorf("%w: %v", apperr.ErrInvalidInput, err))
			return
		}
	}
	var err error
	if u := strings.TrimSpace(req.Username); u != "" {
		err = h.svc.EvictUser(r.Context(), u)
	} else {
		err = h.svc.EvictAll(r.Context())
	}
	if err != nil {
		h.fail(w, "evict permission cache failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fail(w http.ResponseWriter, msg string, err error) {
	if apperr.Status(err) >= http.StatusInternalServerError {
		h.logger.Errorw(msg, "err", err)
	}
	apperr.Write(w, err)
}
