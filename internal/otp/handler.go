package otp

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-shop-auth/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-shop-auth/pkg/utilities"
)

// Handler exposes the OTP send and verify endpoints.
type Handler struct {
	mgr    *Manager
	logger *zap.SugaredLogger
}

func NewHandler(mgr *Manager, logger *zap.SugaredLogger) *Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Handler{mgr: mgr, logger: logger}
}

// SendRequest carries the email or phone number the code goes to.
type SendRequest struct {
	Login string `json:"login"`
}

// VerifyRequest carries the login and the code the user typed.
type VerifyRequest struct {
	Login string `json:"login"`
	OTP   string `json:"otp"`
}

type VerifyResponse struct {
	Verified bool `json:"verified"`
}

func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := utilities.DecodeJSON(w, r, &req); err != nil {
		h.logger.Debugw("invalid otp send payload", "err", err)
		apperr.Write(w, fmt.Errorf("%w: %v", apperr.ErrInvalidInput, err))
		return
	}
	if err := h.mgr.SendOTP(r.Context(), req.Login); err != nil {
		h.logFailure("otp send failed", err)
		apperr.Write(w, err)
		return
	}
	utilities.WriteJSON(w, http.StatusAccepted, map[string]string{"message": "verification code sent"})
}

func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := utilities.DecodeJSON(w, r, &req); err != nil {
		h.logger.Debugw("invalid otp verify payload", "err", err)
		apperr.Write(w, fmt.Errorf("%w: %v", apperr.ErrInvalidInput, err))
		return
	}
	ok, err := h.mgr.VerifyOTP(r.Context(), req.Login, req.OTP)
	if err != nil {
		h.logFailure("otp verify failed", err)
		apperr.Write(w, err)
		return
	}
	if !ok {
		utilities.WriteJSON(w, http.StatusBadRequest, VerifyResponse{Verified: false})
		return
	}
	utilities.WriteJSON(w, http.StatusOK, VerifyResponse{Verified: true})
}

func (h *Handler) logFailure(msg string, err error) {
	if apperr.Status(err) >= http.StatusInternalServerError {
		h.logger.Errorw(msg, "err", err)
		return
	}
	h.logger.Debugw(msg, "err", err)
}
