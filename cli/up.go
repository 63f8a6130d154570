package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/yllada/shardvpn/common"
	"github.com/yllada/shardvpn/vpn"
)

type upFlags struct {
	host     string
	password string
	obfs     string
	save     bool
}

func newUpCommand(opts *rootOptions) *cobra.Command {
	var f upFlags
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Bring the tunnel up and keep it running until interrupted",
		Long: `Resolves the server, starts the tunnel clients, the balancer and the
stack shim, creates the virtual interface and routes all traffic except the
server itself through it. Stops cleanly on Ctrl-C or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUp(cmd, opts, f)
		},
	}
	cmd.Flags().StringVarP(&f.host, "host", "H", "", "server host name or IPv4 address (default server.host)")
	cmd.Flags().StringVarP(&f.password, "password", "p", "", "tunnel credential (default: stored credential, then prompt)")
	cmd.Flags().StringVar(&f.obfs, "obfs", "", "obfuscation key (default server.obfs)")
	cmd.Flags().BoolVar(&f.save, "save", false, "store the credential for this host")
	return cmd
}

func runUp(cmd *cobra.Command, opts *rootOptions, f upFlags) error {
	host := strings.TrimSpace(f.host)
	if host == "" {
		host = opts.cfg.Server.Host
	}
	if host == "" {
		return fmt.Errorf("%w: no server host, pass --host or set server.host", common.ErrInvalidConfig)
	}

	secret, source, err := opts.credential(host, f.password)
	if err != nil {
		return err
	}
	if f.save && source != sourceStore {
		if err := opts.store.Set(host, secret); err != nil {
			common.LogWarn("Could not save credential for %s: %v", host, err)
		}
	}

	sessCfg, err := opts.cfg.SessionConfig(host, secret, f.obfs)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := &lockedWriter{w: cmd.OutOrStdout()}
	ctrl := opts.newController()

	quit := make(chan struct{})
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		printEvents(out, ctrl.Events(), quit, opts.verbose)
	}()
	defer func() {
		close(quit)
		<-printed
	}()

	fmt.Fprintf(out, "Connecting to %s...\n", host)
	result, err := ctrl.Start(sessCfg)
	if err != nil {
		return err
	}
	finished := ctrl.Finished()

	select {
	case err := <-result:
		if err != nil {
			return fmt.Errorf("connection failed: %w", err)
		}
	case <-ctx.Done():
		fmt.Fprintln(out, "Cancelling...")
		return ctrl.Stop()
	}

	startedAt := time.Now()
	if info, live := ctrl.Session(); live {
		startedAt = info.StartedAt
		fmt.Fprintln(out, ok(fmt.Sprintf("Connected to %s (%s), %d routes, %d workers",
			info.Host, info.ServerAddr, info.RouteCount, len(info.Processes))))
	}

	select {
	case <-ctx.Done():
		fmt.Fprintln(out, "Disconnecting...")
		if err := ctrl.Stop(); err != nil {
			return fmt.Errorf("failed to disconnect: %w", err)
		}
		fmt.Fprintln(out, ok("Disconnected after "+formatDuration(time.Since(startedAt))))
		return nil
	case <-finished:
		if err := ctrl.LastError(); err != nil {
			return fmt.Errorf("session ended: %w", err)
		}
		return nil
	}
}

// printEvents writes controller events until quit is closed. Plain log
// events only show up in verbose mode.
func printEvents(w io.Writer, events <-chan vpn.Event, quit <-chan struct{}, verbose bool) {
	for {
		select {
		case <-quit:
			return
		case ev := <-events:
			switch ev.Kind {
			case vpn.EventState:
				fmt.Fprintln(w, dimStyle.Render("  "+ev.State.String()))
			case vpn.EventProcess:
				fmt.Fprintf(w, "  [%s] %s\n", ev.Role, ev.Message)
			case vpn.EventError:
				fmt.Fprintln(w, "  "+fail(ev.Message))
			case vpn.EventLog:
				if verbose {
					fmt.Fprintln(w, dimStyle.Render("  "+ev.Message))
				}
			}
		}
	}
}
