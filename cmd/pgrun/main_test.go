package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with args, and returns its standard output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), err
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"run", "bench", "devicekey"} {
		t.Run(name, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, subCmd.Name())
		})
	}
	// klog flags are bridged.
	require.NotNil(t, cmd.PersistentFlags().Lookup("v"))
	require.NotNil(t, cmd.PersistentFlags().Lookup("logtostderr"))
}

func TestDeviceKey(t *testing.T) {
	out, err := execute(t, "devicekey", "0", "4", "5")
	require.NoError(t, err)
	assert.Equal(t, "0,4,5\n", out)

	out, err = execute(t, "devicekey", "--parse", "0,4,5", "1")
	require.NoError(t, err)
	assert.Equal(t, "[0 4 5]\n[1]\n", out)

	_, err = execute(t, "devicekey", "-1")
	require.Error(t, err)
	_, err = execute(t, "devicekey", "--parse", "0,,1")
	require.Error(t, err)
}

func TestRun(t *testing.T) {
	configPath := filepath.Join("..", "..", "internal", "launcher", "testdata", "basic.yaml")
	out, err := execute(t, "run", "--config", configPath, "--format", "text")
	require.NoError(t, err)
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "run_basic", []byte(out))

	out, err = execute(t, "run", "--config", configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "allreduce(Max)")

	_, err = execute(t, "run", "--config", configPath, "--format", "json")
	require.ErrorContains(t, err, "invalid format")
	_, err = execute(t, "run")
	require.Error(t, err)
}

func TestBench(t *testing.T) {
	out, err := execute(t, "bench", "--ranks", "2", "--devices", "1", "--iters", "3", "--elements", "16",
		"--progress=false", "--reduce", "Max")
	require.NoError(t, err)
	assert.Contains(t, out, "2 x 1")
	assert.Contains(t, out, "Max")
	assert.Contains(t, out, "64 B")

	// Reduce operations are accepted in any case, as in the run configuration.
	out, err = execute(t, "bench", "--ranks", "1", "--devices", "1", "--iters", "1", "--progress=false",
		"--reduce", "product")
	require.NoError(t, err)
	assert.Contains(t, out, "Product")

	_, err = execute(t, "bench", "--dtype", "complex64")
	require.Error(t, err)
	_, err = execute(t, "bench", "--reduce", "avg")
	require.Error(t, err)
}
