package state

// Privacy modes. Public hides the sensitive apps from guests; any other
// mode sees the full registry.
const (
	ModePublic  = "public"
	ModePrivate = "private"
)

// AppHome is the registry's anchor: navigation falls back to it whenever a
// current route stops being meaningful.
const AppHome = "home"

// Registry lists every app the mirror can route to, in display order.
var Registry = []string{
	"home", "weather", "email", "finance", "news", "todos", "calendar", "settings",
}

var privateOnly = map[string]bool{
	"email":   true,
	"finance": true,
}

// VisibleApps returns the registry filtered by privacy mode, preserving
// canonical order.
func VisibleApps(mode string) []string {
	if mode != ModePublic {
		out := make([]string, len(Registry))
		copy(out, Registry)
		return out
	}
	out := make([]string, 0, len(Registry))
	for _, app := range Registry {
		if !privateOnly[app] {
			out = append(out, app)
		}
	}
	return out
}

// IsVisible reports whether app is routable in the given privacy mode.
func IsVisible(app, mode string) bool {
	for _, a := range VisibleApps(mode) {
		if a == app {
			return true
		}
	}
	return false
}

// NextApp returns the app after current in the visible cycle. A current
// route that is not visible lands on the first visible app.
func NextApp(mode, current string) string {
	apps := VisibleApps(mode)
	if len(apps) == 0 {
		return AppHome
	}
	for i, a := range apps {
		if a == current {
			return apps[(i+1)%len(apps)]
		}
	}
	return apps[0]
}

// PrevApp is NextApp's mirror image; an unknown current route lands on the
// last visible app.
func PrevApp(mode, current string) string {
	apps := VisibleApps(mode)
	if len(apps) == 0 {
		return AppHome
	}
	for i, a := range apps {
		if a == current {
			return apps[(i-1+len(apps))%len(apps)]
		}
	}
	return apps[len(apps)-1]
}
