package realtime

import (
	"context"
	"errors"

	"ecolift/internal/auth"
	"ecolift/internal/log"

	"go.uber.org/zap"
)

// Handshake binds a session to the identity proven by its first frame.
type Handshake struct {
	registry *Registry
	verifier auth.Verifier
	logger   *log.Logger
}

func NewHandshake(registry *Registry, verifier auth.Verifier, logger *log.Logger) *Handshake {
	return &Handshake{registry: registry, verifier: verifier, logger: logger}
}

// Complete processes the first frame of s. On success s is registered and
// receives AUTH_SUCCESS. On any failure s receives AUTH_ERROR, is dropped from
// the registry and closed, and the returned error says why.
func (h *Handshake) Complete(ctx context.Context, s *Session, raw []byte) (auth.Claims, error) {
	hello, err := DecodeHello(raw)
	if err != nil {
		return auth.Claims{}, h.reject(s, "Invalid authentication message", err)
	}

	claims, err := h.verifier.Verify(ctx, hello.Token)
	if err != nil {
		msg := "Invalid token"
		if errors.Is(err, auth.ErrTokenExpired) {
			msg = "Token has expired"
		}
		return auth.Claims{}, h.reject(s, msg, err)
	}
	if claims.Role != hello.Role {
		return auth.Claims{}, h.reject(s, "Role mismatch", auth.ErrUnauthorized)
	}

	h.registry.Register(s, claims.UserID, claims.Role)
	if err := s.Send(AuthSuccess(claims.UserID)); err != nil {
		h.logger.Warn("Failed to acknowledge handshake", zap.String("user_id", claims.UserID), zap.Error(err))
	}
	h.logger.Info("Connection authenticated",
		zap.String("session", s.ID), zap.String("user_id", claims.UserID), zap.String("role", string(claims.Role)))
	return claims, nil
}

func (h *Handshake) reject(s *Session, msg string, cause error) error {
	h.logger.Info("Handshake rejected", zap.String("session", s.ID), zap.String("reason", msg), zap.Error(cause))
	if err := s.Send(AuthError(msg)); err != nil {
		h.logger.Debug("Failed to send auth error", zap.Error(err))
	}
	h.registry.Unregister(s)
	_ = s.Close()
	return cause
}
