package vpn

import (
	"context"
	"time"

	"github.com/yllada/shardvpn/common"
)

// WatchConfig holds configuration for the running-session watch.
type WatchConfig struct {
	// CheckInterval is how often housekeeping runs while the session is up.
	CheckInterval time.Duration
}

// DefaultWatchConfig returns the defaults used by NewController.
func DefaultWatchConfig() WatchConfig {
	return WatchConfig{CheckInterval: 30 * time.Second}
}

// watchSession blocks until ctx is cancelled (nil) or a worker exits
// (WorkerExitedError). Workers are never restarted individually: one exit ends
// the whole session.
func (c *Controller) watchSession(ctx context.Context, sess *TunnelSession) error {
	procs := sess.supervisor.Processes()
	exited := make(chan *ManagedProcess, len(procs))
	for _, p := range procs {
		go func(p *ManagedProcess) {
			select {
			case <-p.Done():
				exited <- p
			case <-ctx.Done():
			}
		}(p)
	}

	interval := c.watch.CheckInterval
	if interval <= 0 {
		interval = DefaultWatchConfig().CheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case p := <-exited:
			common.LogError("%s (pid %d) exited while the session was running", p.Role, p.Pid())
			return &common.WorkerExitedError{Role: p.Role.String(), Err: p.ExitErr()}
		case <-ticker.C:
			common.GetLogger().CheckRotation()
			alive := 0
			for _, p := range procs {
				if sess.supervisor.IsAlive(p) {
					alive++
				}
			}
			common.LogDebug("Session %s: %d/%d workers alive", sess.ID, alive, len(procs))
		}
	}
}
