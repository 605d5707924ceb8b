// Package browser opens URLs in the operator's browser for interactive
// OAuth logins, with detection for headless hosts where no browser can
// appear.
package browser

import (
	"os"
	"runtime"

	"github.com/skratchdot/open-golang/open"
)

// IsAvailable reports whether a local browser is likely to open. SSH
// sessions and Linux hosts without a display server count as headless;
// the caller should print the URL for manual use instead.
func IsAvailable() bool {
	if os.Getenv("SSH_CONNECTION") != "" || os.Getenv("SSH_TTY") != "" {
		return false
	}
	if runtime.GOOS == "linux" {
		return os.Getenv("DISPLAY") != "" || os.Getenv("WAYLAND_DISPLAY") != ""
	}
	return true
}

// OpenURL launches the default browser at url.
func OpenURL(url string) error {
	return open.Run(url)
}
