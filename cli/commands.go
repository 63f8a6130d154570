package cli

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"runtime"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/yllada/shardvpn/common"
	"github.com/yllada/shardvpn/keyring"
	"github.com/yllada/shardvpn/vpn"
)

func newRoutesCommand(opts *rootOptions) *cobra.Command {
	var exclude []string
	cmd := &cobra.Command{
		Use:   "routes",
		Short: "Print the route table a session would install",
		Long: `Prints the CIDR blocks that cover the whole IPv4 space except the
excluded hosts and blocks. Without --exclude the configured server host and
bypass list are used.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries := exclude
			if len(entries) == 0 {
				if opts.cfg.Server.Host != "" {
					entries = append(entries, opts.cfg.Server.Host)
				}
				entries = append(entries, opts.cfg.Server.Bypass...)
			}

			prefixes := make([]netip.Prefix, 0, len(entries))
			for _, e := range entries {
				p, err := vpn.ResolveExclusion(cmd.Context(), net.DefaultResolver, e)
				if err != nil {
					return err
				}
				prefixes = append(prefixes, p)
			}

			routes, err := vpn.ExclusionRoutesFor(prefixes...)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			excluded := make([]string, len(prefixes))
			for i, p := range prefixes {
				excluded[i] = p.String()
			}
			if len(excluded) == 0 {
				excluded = []string{"none"}
			}
			fmt.Fprintf(out, "%s  (excluding %s)\n", titleStyle.Render(fmt.Sprintf("%d routes", len(routes))), strings.Join(excluded, ", "))

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ROUTE\tNETMASK\tADDRESSES")
			fmt.Fprintln(w, "-----\t-------\t---------")
			for _, r := range routes {
				fmt.Fprintf(w, "%s\t%s\t%d\n", r, r.Netmask(), r.Size())
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringSliceVarP(&exclude, "exclude", "x", nil, "host, address or CIDR block to keep off the tunnel (repeatable)")
	return cmd
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether a session can be started",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, opts)
		},
	}
}

func runStatus(cmd *cobra.Command, opts *rootOptions) error {
	cfg := opts.cfg
	out := cmd.OutOrStdout()
	ready := true

	fmt.Fprintln(out, titleStyle.Render("Configuration"))
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	host := cfg.Server.Host
	if host == "" {
		host = "-"
		ready = false
	}
	fmt.Fprintf(w, "Config file\t%s\n", opts.configPath)
	fmt.Fprintf(w, "Server\t%s\n", host)
	fmt.Fprintf(w, "Shards\t%d (ports %s)\n", len(cfg.Server.LocalPorts), joinInts(cfg.Server.LocalPorts))
	fmt.Fprintf(w, "Balancer\t127.0.0.1:%d\n", cfg.Server.BalancerPort)
	fmt.Fprintf(w, "Interface\t%s %s mtu %d\n", cfg.Interface.Name, cfg.Interface.Address, cfg.Interface.MTU)
	fmt.Fprintf(w, "Bypass\t%s\n", orDash(strings.Join(cfg.Server.Bypass, ", ")))
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, titleStyle.Render("Workers"))
	p := &vpn.Provisioner{InstallDir: cfg.Binaries.InstallDir, WorkDir: cfg.Binaries.WorkDir}
	for _, b := range []struct{ name, explicit string }{
		{common.TunnelClientBinary, cfg.Binaries.TunnelClient},
		{common.BalancerBinary, cfg.Binaries.Balancer},
		{common.StackShimBinary, cfg.Binaries.StackShim},
	} {
		path, err := p.Locate(b.name, b.explicit)
		if err != nil {
			ready = false
			fmt.Fprintln(out, "  "+fail(err.Error()))
			continue
		}
		fmt.Fprintln(out, "  "+ok(fmt.Sprintf("%s: %s", b.name, path)))
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, titleStyle.Render("Credentials"))
	if cfg.Server.Host == "" {
		fmt.Fprintln(out, "  "+dimStyle.Render("no server configured"))
	} else if opts.store.Exists(cfg.Server.Host) {
		fmt.Fprintln(out, "  "+ok("stored for "+cfg.Server.Host))
	} else {
		fmt.Fprintln(out, "  "+dimStyle.Render("none stored for "+cfg.Server.Host+", up will prompt"))
	}

	fmt.Fprintln(out)
	if runtime.GOOS != "linux" {
		ready = false
		fmt.Fprintln(out, fail("Virtual interfaces are only supported on Linux"))
	}
	if ready {
		fmt.Fprintln(out, ok("Ready"))
	} else {
		fmt.Fprintln(out, fail("Not ready"))
	}
	return nil
}

func newCredentialsCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage stored tunnel credentials",
	}

	var password string
	set := &cobra.Command{
		Use:   "set HOST",
		Short: "Store the credential for a server host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := password
			if secret == "" {
				var err error
				if secret, err = opts.prompt(fmt.Sprintf("Password for %s: ", args[0])); err != nil {
					return err
				}
			}
			if err := opts.store.Set(args[0], secret); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ok("Saved credential for "+args[0]))
			return nil
		},
	}
	set.Flags().StringVarP(&password, "password", "p", "", "credential to store (prompted when omitted)")

	del := &cobra.Command{
		Use:     "delete HOST",
		Aliases: []string{"rm"},
		Short:   "Remove the stored credential for a server host",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !opts.store.Exists(args[0]) {
				fmt.Fprintf(cmd.OutOrStdout(), "No credential stored for %s.\n", args[0])
				return nil
			}
			if err := opts.store.Delete(args[0]); err != nil && !errors.Is(err, keyring.ErrNotFound) {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ok("Deleted credential for "+args[0]))
			return nil
		},
	}

	cmd.AddCommand(set, del)
	return cmd
}

func newVersionCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version and exit",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s v%s\n", common.AppName, opts.build.Version)
			if opts.build.BuildTime != "" && opts.build.BuildTime != "unknown" {
				fmt.Fprintf(out, "  Build:  %s\n", opts.build.BuildTime)
				fmt.Fprintf(out, "  Commit: %s\n", opts.build.Commit)
			}
		},
	}
}

func joinInts(v []int) string {
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = fmt.Sprint(n)
	}
	return orDash(strings.Join(parts, ","))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
