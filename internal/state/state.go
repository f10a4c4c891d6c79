// Package state holds the authoritative UI state tree and the patch engine
// that mutates it.
//
// All writes flow through Store.Apply, which understands a small path
// grammar (see apply). Unknown or malformed paths are silent no-ops: a
// misbehaving producer must never be able to crash the mirror, only to be
// ignored. Readers always receive deep copies so no internal reference can
// escape and be mutated behind the store's back.
package state

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"

	"github.com/DMcConnell/mira/internal/model"
)

// Todo is a single todo-list entry.
type Todo struct {
	ID        int    `json:"id"`
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
	CreatedAt string `json:"created_at"`
}

// Debug groups the developer-overlay switches.
type Debug struct {
	Enabled bool `json:"enabled"`
}

// HUD mirrors the status icons rendered along the mirror's edge.
type HUD struct {
	MicOn       bool `json:"micOn"`
	CamOn       bool `json:"camOn"`
	WSConnected bool `json:"wsConnected"`
	Wake        bool `json:"wake"`
}

// UITree carries navigation and presentation state: which app is routed,
// what is focused, and whether the mirror is in its public (guest-safe)
// or private mode.
type UITree struct {
	Mode      string   `json:"mode"`
	AppRoute  string   `json:"appRoute"`
	FocusPath []string `json:"focusPath"`
	GNArmed   bool     `json:"gnArmed"`
	Debug     Debug    `json:"debug"`
	HUD       HUD      `json:"hud"`
}

// UIState is the full mirror state tree. The top-level mode is the legacy
// interaction mode (idle/voice/gesture); UI.Mode is the privacy mode. They
// are independent.
type UIState struct {
	Mode        string `json:"mode"`
	Todos       []Todo `json:"todos"`
	MicEnabled  bool   `json:"mic_enabled"`
	CamEnabled  bool   `json:"cam_enabled"`
	LastGesture string `json:"last_gesture"`
	LastUpdated string `json:"last_updated"`
	UI          UITree `json:"ui"`
}

// Default returns a fresh state tree.
func Default() UIState {
	return UIState{
		Mode:        "idle",
		Todos:       []Todo{},
		LastGesture: "idle",
		LastUpdated: model.Now(),
		UI: UITree{
			Mode:      ModePublic,
			AppRoute:  AppHome,
			FocusPath: []string{},
		},
	}
}

func (s UIState) clone() UIState {
	out := s
	out.Todos = make([]Todo, len(s.Todos))
	copy(out.Todos, s.Todos)
	out.UI.FocusPath = make([]string, len(s.UI.FocusPath))
	copy(out.UI.FocusPath, s.UI.FocusPath)
	return out
}

// Store owns the state tree. There is exactly one Store per process.
type Store struct {
	mu    sync.RWMutex
	state UIState
}

// NewStore builds a store holding the default tree.
func NewStore() *Store {
	return &Store{state: Default()}
}

// NewStoreFromJSON rebuilds a store from a persisted snapshot. Fields the
// snapshot does not carry keep their defaults, so old snapshots stay
// loadable after the tree grows.
func NewStoreFromJSON(data []byte) (*Store, error) {
	st := Default()
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	if st.Todos == nil {
		st.Todos = []Todo{}
	}
	if st.UI.FocusPath == nil {
		st.UI.FocusPath = []string{}
	}
	return &Store{state: st}, nil
}

// Snapshot returns a deep copy of the current tree.
func (s *Store) Snapshot() UIState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.clone()
}

// Apply mutates the tree according to the patch path grammar and reports
// whether anything was assigned. Every successful assign bumps LastUpdated
// to the current wall clock; no-ops leave it untouched.
func (s *Store) Apply(path string, value any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	applied := s.state.apply(path, value)
	if applied {
		s.state.LastUpdated = model.Now()
	}
	return applied
}

// apply dispatches one patch path:
//
//	/<field>          assign a top-level field
//	/todos/+          append a todo
//	/todos/<index>    replace a todo; out-of-range is ignored
//	/ui/...           assign into the ui subtree
//
// Anything else is a no-op.
func (st *UIState) apply(path string, value any) bool {
	if !strings.HasPrefix(path, "/") {
		return false
	}
	segs := strings.Split(strings.TrimPrefix(path, "/"), "/")
	switch {
	case len(segs) == 1:
		return st.assignTop(segs[0], value)
	case segs[0] == "ui":
		return st.UI.assign(segs[1:], value)
	case len(segs) == 2 && segs[0] == "todos" && segs[1] == "+":
		var todo Todo
		if !coerce(value, &todo) {
			return false
		}
		st.Todos = append(st.Todos, todo)
		return true
	case len(segs) == 2 && segs[0] == "todos":
		idx, err := strconv.Atoi(segs[1])
		if err != nil || idx < 0 || idx >= len(st.Todos) {
			return false
		}
		var todo Todo
		if !coerce(value, &todo) {
			return false
		}
		st.Todos[idx] = todo
		return true
	default:
		return false
	}
}

func (st *UIState) assignTop(field string, value any) bool {
	switch field {
	case "mode":
		return assignString(&st.Mode, value)
	case "todos":
		var todos []Todo
		if !coerce(value, &todos) || todos == nil {
			return false
		}
		st.Todos = todos
		return true
	case "mic_enabled":
		return assignBool(&st.MicEnabled, value)
	case "cam_enabled":
		return assignBool(&st.CamEnabled, value)
	case "last_gesture":
		return assignString(&st.LastGesture, value)
	case "last_updated":
		return assignString(&st.LastUpdated, value)
	case "ui":
		var ui UITree
		if !coerce(value, &ui) {
			return false
		}
		if ui.FocusPath == nil {
			ui.FocusPath = []string{}
		}
		st.UI = ui
		return true
	default:
		return false
	}
}

func (u *UITree) assign(segs []string, value any) bool {
	switch len(segs) {
	case 1:
		switch segs[0] {
		case "mode":
			return assignString(&u.Mode, value)
		case "appRoute":
			return assignString(&u.AppRoute, value)
		case "focusPath":
			// A non-list value degrades to an empty path rather than a no-op.
			u.FocusPath = coerceFocusPath(value)
			return true
		case "gnArmed":
			return assignBool(&u.GNArmed, value)
		case "debug":
			var d Debug
			if !coerce(value, &d) {
				return false
			}
			u.Debug = d
			return true
		case "hud":
			var h HUD
			if !coerce(value, &h) {
				return false
			}
			u.HUD = h
			return true
		}
		return false
	case 2:
		switch {
		case segs[0] == "debug" && segs[1] == "enabled":
			return assignBool(&u.Debug.Enabled, value)
		case segs[0] == "hud":
			return u.HUD.assign(segs[1], value)
		}
		return false
	default:
		return false
	}
}

func (h *HUD) assign(key string, value any) bool {
	switch key {
	case "micOn":
		return assignBool(&h.MicOn, value)
	case "camOn":
		return assignBool(&h.CamOn, value)
	case "wsConnected":
		return assignBool(&h.WSConnected, value)
	case "wake":
		return assignBool(&h.Wake, value)
	default:
		return false
	}
}

func assignString(dst *string, value any) bool {
	v, ok := value.(string)
	if !ok {
		return false
	}
	*dst = v
	return true
}

func assignBool(dst *bool, value any) bool {
	v, ok := value.(bool)
	if !ok {
		return false
	}
	*dst = v
	return true
}

// coerce reshapes a decoded JSON value into the typed target via a
// marshal/unmarshal round trip. Patch values arrive both as native structs
// (from the arbiter) and as generic maps (from the wire or log replay).
func coerce(value any, target any) bool {
	data, err := json.Marshal(value)
	if err != nil {
		return false
	}
	return json.Unmarshal(data, target) == nil
}

func coerceFocusPath(value any) []string {
	var out []string
	if value == nil || !coerce(value, &out) || out == nil {
		return []string{}
	}
	return out
}
