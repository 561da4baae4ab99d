// Package opener shows links to the user in the system browser.
package opener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"strings"
)

// ErrUnavailable means no command to open links was found.
var ErrUnavailable = errors.New("link opener unavailable")

type startFunc func(ctx context.Context, name string, args ...string) error

// Opener starts a browser for a URL without waiting for it to exit.
type Opener struct {
	command []string
	start   startFunc
	logger  *slog.Logger
}

// New creates an opener. A non-empty command replaces the platform default;
// it is split on whitespace and the URL is appended as the last argument.
func New(command string, logger *slog.Logger) *Opener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Opener{
		command: strings.Fields(command),
		start:   startCommand,
		logger:  logger,
	}
}

// Open opens url in a new browser tab.
func (o *Opener) Open(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	name, args := o.resolve(url)
	if err := o.start(ctx, name, args...); err != nil {
		return fmt.Errorf("open %s: %w", url, err)
	}
	o.logger.Info("opened link", "url", url, "command", name)
	return nil
}

func (o *Opener) resolve(url string) (string, []string) {
	if len(o.command) > 0 {
		args := append(append([]string{}, o.command[1:]...), url)
		return o.command[0], args
	}
	return platformCommand(runtime.GOOS, url)
}

func platformCommand(goos, url string) (string, []string) {
	switch goos {
	case "darwin":
		return "open", []string{url}
	case "windows":
		return "rundll32", []string{"url.dll,FileProtocolHandler", url}
	default:
		return "xdg-open", []string{url}
	}
}

// startCommand starts the browser detached from ctx; the browser outlives
// the request that opened it.
func startCommand(_ context.Context, name string, args ...string) error {
	path, err := exec.LookPath(name)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrUnavailable, name)
		}
		return fmt.Errorf("locate %s: %w", name, err)
	}

	cmd := exec.Command(path, args...)
	if err := cmd.Start(); err != nil {
		return err
	}
	// reap the child in the background
	go func() { _ = cmd.Wait() }()
	return nil
}
