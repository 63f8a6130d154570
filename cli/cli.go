// Package cli provides the command-line interface of shardvpn.
// The root command loads the configuration and sets up logging; the
// subcommands bring a session up, print the route table, report readiness
// and manage stored credentials.
package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/yllada/shardvpn/common"
	"github.com/yllada/shardvpn/config"
	"github.com/yllada/shardvpn/keyring"
	"github.com/yllada/shardvpn/vpn"
)

// BuildInfo is injected by main from ldflags.
type BuildInfo struct {
	Version   string
	BuildTime string
	Commit    string
}

// credentialStore is the part of keyring.CredentialStore the commands use.
type credentialStore interface {
	Set(host, secret string) error
	Get(host string) (string, error)
	Delete(host string) error
	Exists(host string) bool
}

type rootOptions struct {
	build      BuildInfo
	configPath string
	verbose    bool
	logFile    bool

	cfg   *config.Config
	store credentialStore

	// prompt asks the user for a secret. Replaced in tests.
	prompt        func(label string) (string, error)
	newController func() *vpn.Controller
}

// NewRootCommand builds the shardvpn command tree.
func NewRootCommand(build BuildInfo) *cobra.Command {
	return newRootCommand(&rootOptions{
		build:         build,
		prompt:        promptSecret,
		newController: func() *vpn.Controller { return vpn.NewController() },
	})
}

func newRootCommand(opts *rootOptions) *cobra.Command {
	root := &cobra.Command{
		Use:           common.AppName,
		Short:         "Sharded tunnel client with a system-wide virtual interface",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return opts.setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			common.CloseLogger()
		},
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file path (default ~/.config/shardvpn/config.yaml)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable verbose logging")
	root.PersistentFlags().BoolVar(&opts.logFile, "log-file", true, "also write logs to the log directory")
	_ = root.PersistentFlags().MarkHidden("log-file")

	root.AddCommand(
		newUpCommand(opts),
		newRoutesCommand(opts),
		newStatusCommand(opts),
		newCredentialsCommand(opts),
		newVersionCommand(opts),
	)
	return root
}

// setup loads the configuration, starts logging and opens the credential
// store next to the config file.
func (o *rootOptions) setup() error {
	var (
		cfg *config.Config
		err error
	)
	if o.configPath == "" {
		if o.configPath, err = config.DefaultPath(); err != nil {
			return err
		}
		cfg, err = config.Load()
	} else {
		cfg, err = config.LoadFile(o.configPath)
	}
	if err != nil {
		return err
	}
	o.cfg = cfg

	// stdout belongs to command output.
	common.GetLogger().SetOutput(os.Stderr)
	level, _ := common.ParseLogLevel(cfg.LogLevel)
	if o.verbose {
		level = common.LevelDebug
	}
	if err := common.InitLogger(common.LogConfig{
		Level:       level,
		EnableFile:  o.logFile,
		MaxFileSize: 5 * 1024 * 1024, // 5MB
		MaxBackups:  5,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not initialize file logging: %v\n", err)
	}

	if o.store == nil {
		o.store = keyring.NewCredentialStore(filepath.Dir(o.configPath))
	}
	common.LogDebug("Loaded configuration from %s", o.configPath)
	return nil
}

// credentialSource records where a credential came from.
type credentialSource int

const (
	sourceFlag credentialSource = iota
	sourceStore
	sourcePrompt
)

// credential picks the secret for host: the flag wins, then the store, then
// an interactive prompt.
func (o *rootOptions) credential(host, flagValue string) (string, credentialSource, error) {
	if flagValue != "" {
		return flagValue, sourceFlag, nil
	}
	secret, err := o.store.Get(host)
	if err == nil {
		return secret, sourceStore, nil
	}
	if !errors.Is(err, keyring.ErrNotFound) {
		common.LogWarn("Credential lookup for %s failed: %v", host, err)
	}

	secret, err = o.prompt(fmt.Sprintf("Password for %s: ", host))
	if err != nil {
		return "", sourcePrompt, fmt.Errorf("no credential for %s: %w", host, err)
	}
	if secret == "" {
		return "", sourcePrompt, fmt.Errorf("no credential for %s", host)
	}
	return secret, sourcePrompt, nil
}
