// Package arbiter is the control plane's single writer. Every command, no
// matter which producer submitted it, passes through one policy table and one
// serialized reduction, so the state tree never sees concurrent mutation.
package arbiter

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/DMcConnell/mira/internal/model"
	"github.com/DMcConnell/mira/internal/state"
)

// ErrBusy is returned when a reduction slot cannot be acquired before the
// caller's context expires. State is untouched in that case.
var ErrBusy = errors.New("arbiter busy")

// EventSink persists arbitration verdicts.
type EventSink interface {
	AppendEvent(ctx context.Context, ev model.Event) error
}

// PatchPublisher fans applied patches out to subscribers.
type PatchPublisher interface {
	Publish(ctx context.Context, patch model.StatePatch) error
}

// Arbiter reduces commands against the policy table.
type Arbiter interface {
	Handle(ctx context.Context, cmd model.Command) (model.Event, error)
}

type arbiter struct {
	state       *state.Store
	sink        EventSink
	publisher   PatchPublisher
	privateCode string
	logger      *zap.Logger
	tracer      trace.Tracer
	handled     metric.Int64Counter
	sem         chan struct{}
}

// New builds the arbiter around the state tree, the event log, and the patch
// broker. privateCode gates system.setMode into private mode.
func New(st *state.Store, sink EventSink, pub PatchPublisher, privateCode string, logger *zap.Logger) Arbiter {
	handled, err := otel.Meter("arbiter").Int64Counter("commands_handled_total",
		metric.WithDescription("Commands reduced by the arbiter, by resulting event type."))
	if err != nil {
		logger.Warn("failed to build commands counter", zap.Error(err))
	}
	return &arbiter{
		state:       st,
		sink:        sink,
		publisher:   pub,
		privateCode: privateCode,
		logger:      logger,
		tracer:      otel.Tracer("arbiter"),
		handled:     handled,
		sem:         make(chan struct{}, 1),
	}
}

// Handle serializes the command into the single reduction slot and returns
// the primary event. Waiting is bounded by ctx; expiry yields ErrBusy before
// any mutation.
func (a *arbiter) Handle(ctx context.Context, cmd model.Command) (model.Event, error) {
	select {
	case a.sem <- struct{}{}:
	case <-ctx.Done():
		return model.Event{}, fmt.Errorf("%w: %v", ErrBusy, ctx.Err())
	}
	defer func() { <-a.sem }()

	ctx, span := a.tracer.Start(ctx, "arbiter.handle",
		trace.WithAttributes(
			attribute.String("command.action", cmd.Action),
			attribute.String("command.source", cmd.Source),
		),
	)
	defer span.End()

	ev := a.reduce(ctx, cmd)

	a.logger.Info("command handled",
		zap.String("command_id", cmd.ID),
		zap.String("action", cmd.Action),
		zap.String("source", cmd.Source),
		zap.String("event_type", ev.Type),
	)
	if a.handled != nil {
		a.handled.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", ev.Type)))
	}
	return ev, nil
}

// ── Policy reductions ─────────────────────────────────────────────────────

func (a *arbiter) reduce(ctx context.Context, cmd model.Command) model.Event {
	// Spoken navigation is a thin alias layer: rewrite the action and let the
	// target's own reduction run, so the two are observably identical.
	if cmd.Action == actionVoiceNav {
		target, ok := voiceNavTargets[stringOr(cmd.Payload, "action", "")]
		if !ok {
			return a.reject(ctx, cmd, "unknown_action")
		}
		cmd.Action = target
	}

	snap := a.state.Snapshot()

	switch classify(cmd.Action) {
	case actionAddTodo:
		todo := state.Todo{
			ID:        len(snap.Todos) + 1,
			Text:      stringOr(cmd.Payload, "text", ""),
			CreatedAt: cmd.TS,
		}
		return a.applyPatch(ctx, cmd, "/todos/+", todo)

	case actionToggleMic:
		return a.applyPatch(ctx, cmd, "/mic_enabled", !snap.MicEnabled)

	case actionToggleCam:
		return a.applyPatch(ctx, cmd, "/cam_enabled", !snap.CamEnabled)

	case actionSetMode:
		return a.applyPatch(ctx, cmd, "/mode", stringOr(cmd.Payload, "mode", "idle"))

	case actionGesture:
		return a.applyPatch(ctx, cmd, "/last_gesture", stringOr(cmd.Payload, "gesture", "idle"))

	case actionSetGNArmed:
		return a.applyPatch(ctx, cmd, "/ui/gnArmed", boolOr(cmd.Payload, "gnArmed", false))

	case actionNavNext:
		return a.applyPatch(ctx, cmd, "/ui/appRoute", state.NextApp(snap.UI.Mode, snap.UI.AppRoute))

	case actionNavPrev:
		return a.applyPatch(ctx, cmd, "/ui/appRoute", state.PrevApp(snap.UI.Mode, snap.UI.AppRoute))

	case actionNavOpenFocused:
		return a.applyPatch(ctx, cmd, "/ui/focusPath", []string{})

	case actionNavBack:
		if snap.UI.AppRoute == state.AppHome {
			return a.accept(ctx, cmd, map[string]any{"noop": true})
		}
		return a.applyPatch(ctx, cmd, "/ui/appRoute", state.AppHome)

	case actionAppNavigate:
		return a.accept(ctx, cmd, map[string]any{"direction": stringOr(cmd.Payload, "direction", "")})

	case actionAppSelect, actionAppQuickActions:
		return a.accept(ctx, cmd, nil)

	case actionVoiceOpenApp:
		app := stringOr(cmd.Payload, "app", "")
		if !state.IsVisible(app, snap.UI.Mode) {
			return a.reject(ctx, cmd, "app_not_visible")
		}
		return a.applyPatch(ctx, cmd, "/ui/appRoute", app)

	case actionToggleDebug:
		return a.applyPatch(ctx, cmd, "/ui/debug/enabled", !snap.UI.Debug.Enabled)

	case actionSystemSetMode:
		return a.setPrivacyMode(ctx, cmd, snap)
	}

	return a.reject(ctx, cmd, "unknown_action")
}

// setPrivacyMode switches ui.mode, forcing the route home first whenever the
// new mode would hide the app currently on screen. The forced-home patch is
// its own event (derived id) so replaying the log walks the same two steps.
func (a *arbiter) setPrivacyMode(ctx context.Context, cmd model.Command, snap state.UIState) model.Event {
	mode := stringOr(cmd.Payload, "mode", "")
	if mode == state.ModePrivate && stringOr(cmd.Payload, "code", "") != a.privateCode {
		return a.reject(ctx, cmd, "invalid_code")
	}
	if !state.IsVisible(snap.UI.AppRoute, mode) {
		a.emitPatch(ctx, cmd.ID+"-0", cmd, "/ui/appRoute", state.AppHome)
	}
	return a.applyPatch(ctx, cmd, "/ui/mode", mode)
}

// ── Event emission ────────────────────────────────────────────────────────

// applyPatch runs the patch pipeline under the command's own id.
func (a *arbiter) applyPatch(ctx context.Context, cmd model.Command, path string, value any) model.Event {
	return a.emitPatch(ctx, cmd.ID, cmd, path, value)
}

// emitPatch is the per-patch ordering contract: mutate state, persist the
// event, publish the patch. Persistence and publishing are best-effort; the
// local mutation is the source of truth.
func (a *arbiter) emitPatch(ctx context.Context, eventID string, cmd model.Command, path string, value any) model.Event {
	patch := model.StatePatch{TS: cmd.TS, Path: path, Value: value}
	a.state.Apply(patch.Path, patch.Value)

	ev := model.Event{
		ID:        eventID,
		TS:        cmd.TS,
		CommandID: cmd.ID,
		Type:      model.EventStatePatch,
		Payload:   map[string]any{"ts": patch.TS, "path": patch.Path, "value": patch.Value},
	}
	a.persist(ctx, ev)
	a.publish(ctx, patch)
	return ev
}

func (a *arbiter) accept(ctx context.Context, cmd model.Command, extra map[string]any) model.Event {
	payload := map[string]any{"action": cmd.Action}
	for k, v := range extra {
		payload[k] = v
	}
	ev := model.Event{
		ID:        cmd.ID,
		TS:        cmd.TS,
		CommandID: cmd.ID,
		Type:      model.EventAccepted,
		Payload:   payload,
	}
	a.persist(ctx, ev)
	return ev
}

func (a *arbiter) reject(ctx context.Context, cmd model.Command, reason string) model.Event {
	ev := model.Event{
		ID:        cmd.ID,
		TS:        cmd.TS,
		CommandID: cmd.ID,
		Type:      model.EventRejected,
		Payload:   map[string]any{"reason": reason, "action": cmd.Action},
	}
	a.persist(ctx, ev)
	return ev
}

func (a *arbiter) persist(ctx context.Context, ev model.Event) {
	if err := a.sink.AppendEvent(ctx, ev); err != nil {
		a.logger.Error("failed to persist event",
			zap.String("event_id", ev.ID), zap.Error(err))
	}
}

func (a *arbiter) publish(ctx context.Context, patch model.StatePatch) {
	if err := a.publisher.Publish(ctx, patch); err != nil {
		a.logger.Error("failed to publish patch",
			zap.String("path", patch.Path), zap.Error(err))
	}
}
