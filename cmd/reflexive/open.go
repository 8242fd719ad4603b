package main

import (
	"fmt"
	"os/exec"
	"runtime"
)

// openBrowser launches the system default browser at url for --open. No
// pack library wraps this (it's a handful of exec.Command calls keyed by
// GOOS) so it stays on the standard library.
func openBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("open browser: %w", err)
	}
	return nil
}
