package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sorenmh/infrastructure-shared/appd/metrics"
	"github.com/sorenmh/infrastructure-shared/appd/models"
	"github.com/sorenmh/infrastructure-shared/appd/telemetry"
)

// Handshake replies sent as the first server frame.
const (
	AuthSuccess = "Success"
	AuthFailure = "!Invalid master key"
)

var errSessionClosed = errors.New("session closed by peer")

// Dispatcher executes one decoded command.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd models.Command) models.Response
}

// SessionConfig holds the timing knobs of a control session.
type SessionConfig struct {
	MasterKey         string
	AuthTimeout       time.Duration
	IdleTimeout       time.Duration
	WriteTimeout      time.Duration
	TelemetryInterval time.Duration
	OutboundBuffer    int
}

// Session is one control connection. After the handshake a command loop,
// a telemetry loop and a single writer run until the connection goes away.
type Session struct {
	id         string
	conn       *websocket.Conn
	cfg        SessionConfig
	dispatcher Dispatcher
	sampler    telemetry.Sampler
	clock      clockwork.Clock
	metrics    *metrics.SessionMetrics
	log        zerolog.Logger

	out chan []byte
}

func NewSession(conn *websocket.Conn, cfg SessionConfig, dispatcher Dispatcher, sampler telemetry.Sampler, clock clockwork.Clock, m *metrics.SessionMetrics, log zerolog.Logger) *Session {
	if cfg.OutboundBuffer < 1 {
		cfg.OutboundBuffer = 1
	}
	id := uuid.NewString()
	return &Session{
		id:         id,
		conn:       conn,
		cfg:        cfg,
		dispatcher: dispatcher,
		sampler:    sampler,
		clock:      clock,
		metrics:    m,
		log:        log.With().Str("session_id", id).Str("remote", conn.RemoteAddr().String()).Logger(),
		out:        make(chan []byte, cfg.OutboundBuffer),
	}
}

// ID returns the session identifier used in logs.
func (s *Session) ID() string {
	return s.id
}

// Run authenticates the peer and serves it until the connection closes or
// ctx is cancelled. The connection is closed when Run returns.
func (s *Session) Run(ctx context.Context) error {
	defer s.conn.Close()

	if err := s.authenticate(); err != nil {
		return err
	}

	s.metrics.ActiveSessions.Inc()
	defer s.metrics.ActiveSessions.Dec()
	s.log.Info().Msg("session authenticated")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.writeLoop(gctx) })
	g.Go(func() error { return s.commandLoop(gctx) })
	g.Go(func() error { return s.telemetryLoop(gctx) })
	g.Go(func() error {
		// Unblocks the reader once any loop has stopped.
		<-gctx.Done()
		s.conn.Close()
		return nil
	})

	err := g.Wait()
	if errors.Is(err, errSessionClosed) || errors.Is(err, context.Canceled) {
		err = nil
	}
	s.log.Info().Err(err).Msg("session closed")
	return err
}

func (s *Session) authenticate() error {
	if s.cfg.AuthTimeout > 0 {
		s.conn.SetReadDeadline(time.Now().Add(s.cfg.AuthTimeout))
	}
	msgType, data, err := s.conn.ReadMessage()
	if err != nil {
		s.metrics.AuthFailures.Inc()
		s.log.Warn().Err(err).Msg("no handshake frame received")
		return &models.Error{Kind: models.KindAuth, Message: "no handshake frame", Cause: err}
	}

	if msgType != websocket.TextMessage || subtle.ConstantTimeCompare(data, []byte(s.cfg.MasterKey)) != 1 {
		s.metrics.AuthFailures.Inc()
		s.log.Warn().Msg("invalid master key")
		if err := s.writeDirect(websocket.TextMessage, []byte(AuthFailure)); err == nil {
			s.writeDirect(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed"))
		}
		return &models.Error{Kind: models.KindAuth, Message: "invalid master key"}
	}

	s.conn.SetReadDeadline(time.Time{})
	if err := s.writeDirect(websocket.TextMessage, []byte(AuthSuccess)); err != nil {
		return fmt.Errorf("failed to send handshake reply: %w", err)
	}
	return nil
}

// writeDirect is only used before the writer goroutine starts.
func (s *Session) writeDirect(msgType int, data []byte) error {
	s.setWriteDeadline()
	return s.conn.WriteMessage(msgType, data)
}

func (s *Session) setWriteDeadline() {
	if s.cfg.WriteTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
}

// writeLoop is the only writer of the connection once the session is
// active.
func (s *Session) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-s.out:
			s.setWriteDeadline()
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return fmt.Errorf("failed to write frame: %w", err)
			}
		}
	}
}

func (s *Session) send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	select {
	case s.out <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) commandLoop(ctx context.Context) error {
	for {
		if s.cfg.IdleTimeout > 0 {
			s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return errSessionClosed
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to read frame: %w", err)
		}

		if err := s.send(ctx, s.handle(ctx, msgType, data)); err != nil {
			return err
		}
	}
}

func (s *Session) handle(ctx context.Context, msgType int, data []byte) models.Response {
	if msgType != websocket.TextMessage {
		s.metrics.Commands.WithLabelValues("invalid", string(models.KindParse)).Inc()
		return models.Fail(nil, models.ParseError("command frames must be text", nil))
	}

	cmd, err := models.DecodeCommand(data)
	if err != nil {
		s.metrics.Commands.WithLabelValues("invalid", string(models.KindParse)).Inc()
		s.log.Warn().Err(err).Msg("malformed command frame")
		return models.Fail(nil, err)
	}

	log := s.log.With().Str("command", cmd.Tag()).Str("app_id", cmd.AppID()).Logger()
	log.Info().Msg("command received")

	start := time.Now()
	// Commands finish even if the peer goes away; lifecycle steps are bounded
	// by their own tool timeout.
	resp := s.dispatcher.Dispatch(context.WithoutCancel(ctx), cmd)
	s.metrics.CommandDuration.WithLabelValues(cmd.Tag()).Observe(time.Since(start).Seconds())

	if resp.OK {
		s.metrics.Commands.WithLabelValues(cmd.Tag(), "ok").Inc()
		log.Info().Strs("warnings", resp.Warnings).Dur("duration", time.Since(start)).Msg("command succeeded")
	} else {
		s.metrics.Commands.WithLabelValues(cmd.Tag(), string(resp.Error.Kind)).Inc()
		log.Warn().Str("error", resp.Error.Message).Msg("command failed")
	}
	return resp
}

// telemetryLoop sends a first frame right after the handshake and one per
// interval after that.
func (s *Session) telemetryLoop(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.cfg.TelemetryInterval)
	defer ticker.Stop()

	if err := s.pushTelemetry(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			if err := s.pushTelemetry(ctx); err != nil {
				return err
			}
		}
	}
}

// pushTelemetry only fails when the session is going away; a failed sample
// is logged and skipped.
func (s *Session) pushTelemetry(ctx context.Context) error {
	sample, err := s.sampler.Sample(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Warn().Err(err).Msg("telemetry sample failed")
		return nil
	}
	if err := s.send(ctx, sample); err != nil {
		return err
	}
	s.metrics.TelemetryFrames.Inc()
	return nil
}
