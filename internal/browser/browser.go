// Package browser opens OAuth consent pages in the user's browser
// during CLI login flows.
package browser

import (
	"fmt"
	"os/exec"
	"runtime"

	log "github.com/sirupsen/logrus"
	"github.com/skratchdot/open-golang/open"
)

var linuxOpeners = []string{"xdg-open", "x-www-browser", "www-browser", "firefox", "chromium", "google-chrome"}

// OpenURL launches the default browser at url. Login callers treat a
// failure as non-fatal and print the URL for manual opening instead.
func OpenURL(url string) error {
	log.Debugf("opening %s in browser", url)

	err := open.Run(url)
	if err == nil {
		return nil
	}
	log.Debugf("default opener failed (%v), trying platform command", err)
	return openWithPlatformCommand(url)
}

func openWithPlatformCommand(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	case "linux":
		for _, opener := range linuxOpeners {
			if _, err := exec.LookPath(opener); err == nil {
				cmd = exec.Command(opener, url)
				break
			}
		}
		if cmd == nil {
			return fmt.Errorf("browser: no opener found on PATH")
		}
	default:
		return fmt.Errorf("browser: unsupported platform %s", runtime.GOOS)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("browser: start %s: %w", cmd.Path, err)
	}
	return nil
}
