package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/DMcConnell/mira/internal/arbiter"
	"github.com/DMcConnell/mira/internal/hub"
	"github.com/DMcConnell/mira/internal/model"
	"github.com/DMcConnell/mira/internal/state"
	"github.com/DMcConnell/mira/internal/store"
)

const (
	serviceName    = "control-plane"
	serviceVersion = "2.0.0"

	// arbiterTimeout bounds how long one request may wait for the reduction
	// slot before being told to back off.
	arbiterTimeout = 5 * time.Second
)

// ── Shared error response helper ─────────────────────────────────────────

type errResp struct {
	Error string `json:"error"`
}

func errResponse(c echo.Context, status int, msg string) error {
	return c.JSON(status, errResp{Error: msg})
}

func handleSvcError(c echo.Context, logger *zap.Logger, err error) error {
	switch {
	case errors.Is(err, model.ErrMissingAction), errors.Is(err, model.ErrInvalidSource):
		return errResponse(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, arbiter.ErrBusy):
		logger.Warn("arbiter busy", zap.Error(err))
		return errResponse(c, http.StatusServiceUnavailable, err.Error())
	default:
		logger.Error("unhandled service error", zap.Error(err))
		return errResponse(c, http.StatusInternalServerError, "internal error")
	}
}

// ── Command Handler ───────────────────────────────────────────────────────

// commandResponse is the producer-facing verdict. Rejections ride a 200:
// the command was received and arbitrated, the policy just said no.
type commandResponse struct {
	Status  string         `json:"status"`
	Payload map[string]any `json:"payload"`
	EventID string         `json:"event_id"`
}

type CommandHandler struct {
	arb    arbiter.Arbiter
	logger *zap.Logger
}

func NewCommandHandler(arb arbiter.Arbiter, logger *zap.Logger) *CommandHandler {
	return &CommandHandler{arb: arb, logger: logger}
}

func (h *CommandHandler) Register(e *echo.Echo) {
	e.POST("/command", h.Submit)
}

func (h *CommandHandler) Submit(c echo.Context) error {
	var cmd model.Command
	if err := c.Bind(&cmd); err != nil {
		return errResponse(c, http.StatusBadRequest, "invalid request body")
	}
	if err := cmd.Validate(); err != nil {
		return handleSvcError(c, h.logger, err)
	}
	cmd.Normalize()

	ctx, cancel := context.WithTimeout(c.Request().Context(), arbiterTimeout)
	defer cancel()

	ev, err := h.arb.Handle(ctx, cmd)
	if err != nil {
		return handleSvcError(c, h.logger, err)
	}
	return c.JSON(http.StatusOK, commandResponse{
		Status:  ev.Type,
		Payload: ev.Payload,
		EventID: ev.ID,
	})
}

// ── State Handler ─────────────────────────────────────────────────────────

// StateReader serves the live state tree.
type StateReader interface {
	Snapshot() state.UIState
}

// SnapshotReader serves the latest persisted snapshot.
type SnapshotReader interface {
	LatestSnapshot(ctx context.Context) (*store.Snapshot, error)
}

type StateHandler struct {
	state     StateReader
	snapshots SnapshotReader
	logger    *zap.Logger
}

func NewStateHandler(st StateReader, snaps SnapshotReader, logger *zap.Logger) *StateHandler {
	return &StateHandler{state: st, snapshots: snaps, logger: logger}
}

func (h *StateHandler) Register(e *echo.Echo) {
	e.GET("/health", h.Health)
	e.GET("/state", h.State)
	e.GET("/api/v1/state", h.SnapshotState)
}

func (h *StateHandler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": serviceName,
		"version": serviceVersion,
	})
}

func (h *StateHandler) State(c echo.Context) error {
	return c.JSON(http.StatusOK, h.state.Snapshot())
}

// SnapshotState serves the coarse persisted view used by dashboards that
// poll instead of holding a WebSocket open. Before the first snapshot lands
// it answers with the ambient placeholder.
func (h *StateHandler) SnapshotState(c echo.Context) error {
	snap, err := h.snapshots.LatestSnapshot(c.Request().Context())
	if err != nil {
		h.logger.Error("failed to read latest snapshot", zap.Error(err))
		return errResponse(c, http.StatusInternalServerError, "internal error")
	}
	if snap == nil {
		return c.JSON(http.StatusOK, map[string]any{
			"mode":    "ambient",
			"todos":   []any{},
			"gesture": "idle",
		})
	}
	return c.JSONBlob(http.StatusOK, snap.State)
}

// ── WebSocket Handler ─────────────────────────────────────────────────────

type WSHandler struct{ hub *hub.Hub }

func NewWSHandler(h *hub.Hub) *WSHandler {
	return &WSHandler{hub: h}
}

func (h *WSHandler) Register(e *echo.Echo) {
	e.GET("/ws/state", h.Serve)
}

func (h *WSHandler) Serve(c echo.Context) error {
	return h.hub.ServeWS(c.Response(), c.Request())
}
