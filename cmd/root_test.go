package cmd

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/labnodes/internal/config"
)

type fakeRunner struct {
	ran bool
	err error
}

func (f *fakeRunner) Run(context.Context) error {
	f.ran = true
	return f.err
}

func stubRunner(t *testing.T, runner *fakeRunner, buildErr error) *config.Config {
	t.Helper()
	var got config.Config
	orig := newRunner
	newRunner = func(_ context.Context, cfg config.Config) (Runner, error) {
		got = cfg
		if buildErr != nil {
			return nil, buildErr
		}
		return runner, nil
	}
	t.Cleanup(func() { newRunner = orig })
	return &got
}

func execute(args ...string) error {
	root := newRootCmd()
	root.SetArgs(args)
	return root.ExecuteContext(context.Background())
}

func TestUC2CommandBindsFlags(t *testing.T) {
	runner := &fakeRunner{}
	got := stubRunner(t, runner, nil)
	workRoot := t.TempDir()

	err := execute("uc2", "--alias", "scope", "--uc2-ip", "10.0.0.20", "--uc2-port", "9000",
		"--port", "8002", "--work-root", workRoot, "--log-level", "debug")
	require.NoError(t, err)

	assert.True(t, runner.ran)
	assert.Equal(t, config.FamilyUC2, got.Family)
	assert.Equal(t, "scope", got.Node.Alias)
	assert.Equal(t, 8002, got.Node.Port)
	assert.Equal(t, workRoot, got.Node.WorkRoot)
	assert.Equal(t, "10.0.0.20", got.UC2.IP)
	assert.Equal(t, 9000, got.UC2.Port)
	assert.Equal(t, "debug", got.Logging.Level)
}

func TestOT2CommandDefaults(t *testing.T) {
	runner := &fakeRunner{}
	got := stubRunner(t, runner, nil)

	err := execute("ot2", "--ot2-ip", "10.0.0.12", "--work-root", t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, config.FamilyOT2, got.Family)
	assert.Equal(t, "ot2", got.Node.Alias)
	assert.Equal(t, 2005, got.Node.Port)
	assert.Equal(t, 31950, got.OT2.Port)
}

func TestUC2CommandDefaultsAvoidImSwitchPort(t *testing.T) {
	runner := &fakeRunner{}
	got := stubRunner(t, runner, nil)

	err := execute("uc2", "--uc2-ip", "127.0.0.1", "--work-root", t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, config.DefaultUC2NodePort, got.Node.Port)
	assert.Equal(t, config.DefaultImSwitchPort, got.UC2.Port)
	assert.NotEqual(t, got.Node.Port, got.UC2.Port)
}

func TestCommandErrors(t *testing.T) {
	t.Run("missing device address", func(t *testing.T) {
		runner := &fakeRunner{}
		stubRunner(t, runner, nil)

		err := execute("ot2", "--work-root", t.TempDir())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ot2.ip is required")
		assert.False(t, runner.ran)
	})

	t.Run("build failure", func(t *testing.T) {
		stubRunner(t, &fakeRunner{}, errors.New("no bucket"))

		err := execute("uc2", "--uc2-ip", "10.0.0.20", "--work-root", t.TempDir())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "build uc2 node: no bucket")
	})

	t.Run("run failure", func(t *testing.T) {
		stubRunner(t, &fakeRunner{err: errors.New("address in use")}, nil)

		err := execute("uc2", "--uc2-ip", "10.0.0.20", "--work-root", t.TempDir())
		require.ErrorContains(t, err, "address in use")
	})
}
