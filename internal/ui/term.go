package ui

import (
	"os"

	"github.com/muesli/termenv"
)

// ColorEnabled reports whether the terminal supports color output and the
// user has not opted out via NO_COLOR.
func ColorEnabled() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	return termenv.EnvColorProfile() != termenv.Ascii
}

// Plain strips styling when color is disabled; otherwise applies render.
func Plain(render func(string) string, s string) string {
	if !ColorEnabled() {
		return s
	}
	return render(s)
}
