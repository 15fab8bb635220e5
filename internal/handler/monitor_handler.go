package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/config"
	"github.com/stemsi/exstem-attempt/internal/middleware"
	"github.com/stemsi/exstem-attempt/internal/response"
	"github.com/stemsi/exstem-attempt/internal/service"
	ws "github.com/stemsi/exstem-attempt/internal/websocket"
)

const (
	refreshInterval = 15 * time.Second
	refreshTimeout  = 5 * time.Second // prevent slow queries from blocking the monitor loop
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// SnapshotSource builds the monitor snapshot of a test.
type SnapshotSource interface {
	GetSnapshot(ctx context.Context, testID uuid.UUID) (*service.Snapshot, error)
}

// MonitorHandler streams a test's attempts to proctors over WebSocket.
type MonitorHandler struct {
	rdb      *redis.Client
	monitor  SnapshotSource
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func NewMonitorHandler(rdb *redis.Client, monitor SnapshotSource, log zerolog.Logger, allowedOrigins []string) *MonitorHandler {
	return &MonitorHandler{
		rdb:      rdb,
		monitor:  monitor,
		log:      log.With().Str("component", "monitor_handler").Logger(),
		upgrader: buildUpgrader(allowedOrigins),
	}
}

// MonitorTest godoc
// WS /ws/v1/tests/:test_id/monitor
// Sends a snapshot on connect, then every attempt event as it is published.
func (h *MonitorHandler) MonitorTest(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	testID, err := uuid.Parse(c.Param("test_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	wsLog := h.log.With().
		Int("proctor_id", claims.UserID).
		Str("test_id", testID.String()).
		Logger()

	// Subscribe before the snapshot so no event falls between the two.
	pubsub := h.rdb.Subscribe(ctx, config.CacheKey.TestMonitorChannel(testID.String()))
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		wsLog.Error().Err(err).Msg("Monitor subscribe failed")
		ws.WriteError(conn, "monitor unavailable")
		return
	}
	events := pubsub.Channel()

	if err := h.sendSnapshot(ctx, conn, testID); err != nil {
		return
	}

	// Reader: gorilla allows one concurrent reader and one writer, so all
	// writes stay on this goroutine and the reader only forwards actions.
	actions := make(chan ws.Action, 4)
	ws.KeepAlive(conn)
	go func() {
		defer cancel()
		for {
			var msg ws.RequestEnvelope
			if err := ws.ReadJSON(conn, &msg); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					wsLog.Warn().Err(err).Msg("Unexpected close")
				}
				return
			}
			select {
			case actions <- msg.Action:
			case <-ctx.Done():
				return
			}
		}
	}()

	pingTicker := time.NewTicker(ws.PingPeriod)
	defer pingTicker.Stop()
	refreshTicker := time.NewTicker(refreshInterval)
	defer refreshTicker.Stop()

	// Skip periodic refreshes while nothing is happening.
	dirty := false

	wsLog.Info().Msg("Proctor attached to live monitor")

	for {
		var err error
		select {
		case <-ctx.Done():
			wsLog.Info().Msg("Proctor detached from live monitor")
			return

		case msg, ok := <-events:
			if !ok {
				return
			}
			err = ws.WriteTyped(conn, ws.AttemptEventResponse{Event: ws.EventAttempt, Data: []byte(msg.Payload)})
			dirty = true

		case action := <-actions:
			switch action {
			case ws.ActionPing:
				err = ws.WriteTyped(conn, ws.PongResponse{Event: ws.EventPong})
			case ws.ActionRefresh:
				err = h.sendSnapshot(ctx, conn, testID)
			default:
				err = ws.WriteError(conn, "unknown action")
			}

		case <-refreshTicker.C:
			if !dirty {
				continue
			}
			dirty = false
			err = h.sendSnapshot(ctx, conn, testID)

		case <-pingTicker.C:
			err = ws.WritePing(conn)
		}

		if err != nil {
			wsLog.Debug().Err(err).Msg("Monitor write failed, closing")
			return
		}
	}
}

// sendSnapshot reports a failed query to the proctor and only returns
// write errors.
func (h *MonitorHandler) sendSnapshot(parent context.Context, conn *websocket.Conn, testID uuid.UUID) error {
	ctx, cancel := context.WithTimeout(parent, refreshTimeout)
	defer cancel()

	snapshot, err := h.monitor.GetSnapshot(ctx, testID)
	if err != nil {
		h.log.Warn().Err(err).Str("test_id", testID.String()).Msg("Failed to build monitor snapshot")
		return ws.WriteError(conn, "snapshot unavailable")
	}
	return ws.WriteTyped(conn, ws.SnapshotResponse{Event: ws.EventSnapshot, Data: snapshot})
}
