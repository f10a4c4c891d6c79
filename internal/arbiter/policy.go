package arbiter

import "strings"

// action is the closed set of behaviors the policy table knows how to reduce.
// Command actions are classified into it before dispatch; everything that
// falls through is rejected as unknown_action.
type action int

const (
	actionUnknown action = iota
	actionAddTodo
	actionToggleMic
	actionToggleCam
	actionSetMode
	actionGesture
	actionSetGNArmed
	actionNavNext
	actionNavPrev
	actionNavOpenFocused
	actionNavBack
	actionAppNavigate
	actionAppSelect
	actionAppQuickActions
	actionVoiceOpenApp
	actionToggleDebug
	actionSystemSetMode
)

// actionVoiceNav is translated to its target action before classification,
// so a spoken "next" reduces exactly like a direct nav.nextApp.
const actionVoiceNav = "voice.nav"

// voiceNavTargets maps spoken navigation verbs onto policy actions.
var voiceNavTargets = map[string]string{
	"next":     "nav.nextApp",
	"prev":     "nav.prevApp",
	"previous": "nav.prevApp",
	"back":     "nav.backOrHome",
	"select":   "app.selectFocus",
}

// classify resolves a command action name: exact matches first, then the
// prefix families (add_todo*, set_mode*, gesture_*).
func classify(name string) action {
	switch name {
	case "toggle_mic":
		return actionToggleMic
	case "toggle_cam":
		return actionToggleCam
	case "set_gn_armed":
		return actionSetGNArmed
	case "nav.nextApp":
		return actionNavNext
	case "nav.prevApp":
		return actionNavPrev
	case "nav.openAppFocused":
		return actionNavOpenFocused
	case "nav.backOrHome":
		return actionNavBack
	case "app.navigate":
		return actionAppNavigate
	case "app.selectFocus":
		return actionAppSelect
	case "app.quickActions":
		return actionAppQuickActions
	case "voice.openApp":
		return actionVoiceOpenApp
	case "system.toggleDebug":
		return actionToggleDebug
	case "system.setMode":
		return actionSystemSetMode
	}
	switch {
	case strings.HasPrefix(name, "add_todo"):
		return actionAddTodo
	case strings.HasPrefix(name, "set_mode"):
		return actionSetMode
	case strings.HasPrefix(name, "gesture_"):
		return actionGesture
	}
	return actionUnknown
}

// stringOr reads a string payload field, falling back when absent or not a
// string.
func stringOr(payload map[string]any, key, fallback string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return fallback
}

// boolOr reads a bool payload field, falling back when absent or not a bool.
func boolOr(payload map[string]any, key string, fallback bool) bool {
	if v, ok := payload[key].(bool); ok {
		return v
	}
	return fallback
}
