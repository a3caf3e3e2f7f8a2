package auth

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"golang.org/x/time/rate"
)

// Notifier runs a configured shell command on lockout events, throttled to
// at most once per interval across the whole process regardless of how
// many distinct source keys are locking out concurrently.
type Notifier struct {
	command  string
	sometime rate.Sometimes
}

// NewNotifier builds a Notifier. An empty command disables notification
// entirely (Notify becomes a no-op).
func NewNotifier(command string, interval time.Duration) *Notifier {
	return &Notifier{
		command:  command,
		sometime: rate.Sometimes{Interval: interval},
	}
}

// Notify fires the configured command, subject to the throttle, passing
// key and reason as arguments. Failures are logged, not returned: a
// broken notify hook must never affect the auth decision that triggered it.
func (n *Notifier) Notify(ctx context.Context, key, reason string) {
	if n.command == "" {
		return
	}
	n.sometime.Do(func() {
		cmd := exec.CommandContext(ctx, n.command, key, reason)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			slog.Warn("auth: notify command failed",
				"command", n.command, "error", err, "stderr", stderr.String())
		}
	})
}

// Reason strings used by callers of Notify.
const (
	ReasonLockout      = "lockout"
	ReasonDisabledUser = "disabled-user"
)

// LockoutReason formats the failure count into a notify reason string.
func LockoutReason(failures, max int) string {
	return fmt.Sprintf("%s: %d/%d failures", ReasonLockout, failures, max)
}
