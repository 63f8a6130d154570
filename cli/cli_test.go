package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gokeyring "github.com/zalando/go-keyring"

	"github.com/yllada/shardvpn/common"
)

type testEnv struct {
	configPath string
	opts       *rootOptions
	prompts    []string
}

func newTestEnv(t *testing.T, configYAML string) *testEnv {
	t.Helper()
	gokeyring.MockInit()

	dir := t.TempDir()
	env := &testEnv{configPath: filepath.Join(dir, "config.yaml")}
	if configYAML != "" {
		require.NoError(t, os.WriteFile(env.configPath, []byte(configYAML), 0600))
	}
	env.opts = &rootOptions{
		build: BuildInfo{Version: "1.2.3", BuildTime: "2026-01-02", Commit: "abc123"},
		prompt: func(label string) (string, error) {
			env.prompts = append(env.prompts, label)
			return "", errors.New("stdin is not a terminal")
		},
	}
	return env
}

func (e *testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCommand(e.opts)
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", e.configPath, "--log-file=false"}, args...))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0s"},
		{42 * time.Second, "42s"},
		{3*time.Minute + 5*time.Second, "3m 5s"},
		{2*time.Hour + 15*time.Minute, "2h 15m 0s"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatDuration(tt.in))
	}
}

func TestVersionCommand(t *testing.T) {
	env := newTestEnv(t, "")
	out, err := env.run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "shardvpn v1.2.3")
	assert.Contains(t, out, "Commit: abc123")
	assert.NoFileExists(t, env.configPath, "version must not touch the config")
}

func TestRootCommand_DefaultConfigLocation(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	env := newTestEnv(t, "")

	var out bytes.Buffer
	root := newRootCommand(env.opts)
	root.SetOut(&out)
	root.SetArgs([]string{"--log-file=false", "status"})
	require.NoError(t, root.ExecuteContext(context.Background()))

	want := filepath.Join(home, ".config", "shardvpn", "config.yaml")
	assert.Equal(t, want, env.opts.configPath)
	assert.FileExists(t, want)
	assert.Contains(t, out.String(), want)
}

func TestRoutesCommand_Exclude(t *testing.T) {
	env := newTestEnv(t, "")
	out, err := env.run(t, "routes", "--exclude", "202.10.48.173")
	require.NoError(t, err)

	assert.Contains(t, out, "32 routes")
	assert.Contains(t, out, "excluding 202.10.48.173/32")
	assert.Contains(t, out, "0.0.0.0/1")
	assert.Contains(t, out, "202.10.48.172/32")
	assert.NotContains(t, out, "\n202.10.48.173/32 ")
	assert.FileExists(t, env.configPath, "defaults are written on first use")
}

func TestRoutesCommand_ConfiguredBypass(t *testing.T) {
	env := newTestEnv(t, "server:\n  bypass: [\"10.0.0.0/8\"]\n")
	out, err := env.run(t, "routes")
	require.NoError(t, err)

	assert.Contains(t, out, "8 routes")
	assert.Contains(t, out, "excluding 10.0.0.0/8")
	assert.Contains(t, out, "128.0.0.0/1")
}

func TestRoutesCommand_BadEntry(t *testing.T) {
	env := newTestEnv(t, "")
	_, err := env.run(t, "routes", "--exclude", "2001:db8::1")
	assert.ErrorIs(t, err, common.ErrResolution)
}

func TestStatusCommand(t *testing.T) {
	install := t.TempDir()
	for _, name := range []string{common.TunnelClientBinary, common.BalancerBinary} {
		require.NoError(t, os.WriteFile(filepath.Join(install, "lib"+name+".so"), []byte("x"), 0644))
	}
	env := newTestEnv(t, "server:\n  host: vpn.example.test\nbinaries:\n  install_dir: "+install+"\n")

	out, err := env.run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "vpn.example.test")
	assert.Contains(t, out, "uz: "+filepath.Join(install, "libuz.so"))
	assert.Contains(t, out, "libtun2socks.so")
	assert.Contains(t, out, "none stored for vpn.example.test")
	assert.Contains(t, out, "Not ready")

	require.NoError(t, os.WriteFile(filepath.Join(install, "libtun2socks.so"), []byte("x"), 0644))
	_, err = env.run(t, "credentials", "set", "vpn.example.test", "--password", "hunter2")
	require.NoError(t, err)

	out, err = env.run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "stored for vpn.example.test")
	if strings.Contains(out, "only supported on Linux") {
		return
	}
	assert.Contains(t, out, "Ready")
	assert.NotContains(t, out, "Not ready")
}

func TestCredentialsCommands(t *testing.T) {
	env := newTestEnv(t, "")

	out, err := env.run(t, "credentials", "set", "VPN.example.test", "-p", "s3cret")
	require.NoError(t, err)
	assert.Contains(t, out, "Saved credential")
	assert.True(t, env.opts.store.Exists("vpn.example.test"))

	secret, err := env.opts.store.Get("vpn.example.test")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", secret)

	out, err = env.run(t, "credentials", "delete", "vpn.example.test")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted credential")
	assert.False(t, env.opts.store.Exists("vpn.example.test"))

	out, err = env.run(t, "credentials", "rm", "vpn.example.test")
	require.NoError(t, err)
	assert.Contains(t, out, "No credential stored")
}

func TestCredentialsSet_Prompts(t *testing.T) {
	env := newTestEnv(t, "")
	_, err := env.run(t, "credentials", "set", "vpn.example.test")
	require.Error(t, err)
	assert.Equal(t, []string{"Password for vpn.example.test: "}, env.prompts)

	_, err = env.run(t, "credentials", "set")
	assert.Error(t, err, "host argument is required")
}

func TestCredentialPrecedence(t *testing.T) {
	env := newTestEnv(t, "")
	_, err := env.run(t, "status")
	require.NoError(t, err)
	require.NoError(t, env.opts.store.Set("stored.example.test", "from-store"))

	secret, source, err := env.opts.credential("stored.example.test", "from-flag")
	require.NoError(t, err)
	assert.Equal(t, "from-flag", secret)
	assert.Equal(t, sourceFlag, source)

	secret, source, err = env.opts.credential("stored.example.test", "")
	require.NoError(t, err)
	assert.Equal(t, "from-store", secret)
	assert.Equal(t, sourceStore, source)
	assert.Empty(t, env.prompts)

	_, _, err = env.opts.credential("other.example.test", "")
	require.Error(t, err)
	assert.Len(t, env.prompts, 1)

	env.opts.prompt = func(string) (string, error) { return "typed", nil }
	secret, source, err = env.opts.credential("other.example.test", "")
	require.NoError(t, err)
	assert.Equal(t, "typed", secret)
	assert.Equal(t, sourcePrompt, source)
}

func TestUpCommand_RequiresHost(t *testing.T) {
	env := newTestEnv(t, "")
	_, err := env.run(t, "up")
	assert.ErrorIs(t, err, common.ErrInvalidConfig)
}

func TestUpCommand_NoCredential(t *testing.T) {
	env := newTestEnv(t, "")
	_, err := env.run(t, "up", "--host", "vpn.example.test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no credential for vpn.example.test")
	assert.Len(t, env.prompts, 1)
}

func TestUpCommand_RejectsUnknownConfigField(t *testing.T) {
	env := newTestEnv(t, "server:\n  hots: typo.example.test\n")
	_, err := env.run(t, "up")
	assert.ErrorIs(t, err, common.ErrConfigLoad)
}
