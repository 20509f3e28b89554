package realtime

import (
	"context"
	"errors"
	"net/http"
	"time"

	"ecolift/internal/auth"
	"ecolift/internal/log"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const maxFrameBytes = 64 << 10

var errLocationUnavailable = errors.New("location tracking is unavailable")

// LocationReporter accepts a collector's position report.
type LocationReporter interface {
	Report(ctx context.Context, collectorID string, longitude, latitude float64) error
}

type ServerConfig struct {
	HandshakeGrace time.Duration
	SendBuffer     int
	WriteTimeout   time.Duration
}

// Server is the websocket endpoint. Each connection is admitted, must
// authenticate with its first frame, and is then served sequentially.
type Server struct {
	registry  *Registry
	handshake *Handshake
	reporter  LocationReporter
	cfg       ServerConfig
	upgrader  websocket.Upgrader
	logger    *log.Logger
	now       func() time.Time
}

func NewServer(registry *Registry, handshake *Handshake, reporter LocationReporter, cfg ServerConfig, logger *log.Logger) *Server {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Server{
		registry:  registry,
		handshake: handshake,
		reporter:  reporter,
		cfg:       cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
		now:    time.Now,
	}
}

func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}
	ch := newWSChannel(conn, srv.cfg.SendBuffer, srv.cfg.WriteTimeout, srv.logger)
	s := srv.registry.Admit(ch)
	defer func() {
		srv.registry.Unregister(s)
		_ = ch.Close()
	}()

	conn.SetReadLimit(maxFrameBytes)
	conn.SetPongHandler(func(string) error {
		s.MarkAlive(srv.now())
		return nil
	})

	ctx := r.Context()
	_ = conn.SetReadDeadline(srv.now().Add(srv.cfg.HandshakeGrace))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		srv.logger.Debug("Connection closed before handshake", zap.String("session", s.ID), zap.Error(err))
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	claims, err := srv.handshake.Complete(ctx, s, raw)
	if err != nil {
		return
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				srv.logger.Info("Connection closed unexpectedly", zap.String("user_id", claims.UserID), zap.Error(err))
			}
			return
		}
		srv.dispatch(ctx, s, claims, raw)
	}
}

func (srv *Server) dispatch(ctx context.Context, s *Session, claims auth.Claims, raw []byte) {
	in, err := DecodeInbound(raw)
	if err != nil {
		if in.Type == KindLocationUpdate {
			srv.reply(s, LocationUpdated(err, srv.now()))
			return
		}
		srv.logger.Debug("Undecodable frame", zap.String("user_id", claims.UserID), zap.Error(err))
		srv.reply(s, ErrorEvent("Error processing your message"))
		return
	}

	switch in.Type {
	case KindLocationUpdate:
		if claims.Role != auth.RoleCollector {
			srv.reply(s, ErrorEvent("Only collectors can report their location"))
			return
		}
		if srv.reporter == nil {
			srv.reply(s, LocationUpdated(errLocationUnavailable, srv.now()))
			return
		}
		err := srv.reporter.Report(ctx, claims.UserID, in.Location.Longitude, in.Location.Latitude)
		if err != nil {
			srv.logger.Info("Location report rejected", zap.String("user_id", claims.UserID), zap.Error(err))
		}
		srv.reply(s, LocationUpdated(err, srv.now()))
	default:
		srv.reply(s, MessageReceived(in.Text, srv.now()))
	}
}

func (srv *Server) reply(s *Session, ev Event) {
	if err := s.Send(ev); err != nil {
		srv.logger.Debug("Failed to reply", zap.String("session", s.ID), zap.Error(err))
	}
}
