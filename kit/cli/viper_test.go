package cli_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hajournal/hajournal/kit/cli"
)

func TestNewCommand_DefaultsAndEnv(t *testing.T) {
	t.Setenv("TESTPROG_LOG_LEVEL", "debug")

	var (
		logLevel string
		dir      string
		retries  int
		sync     bool
		timeout  time.Duration
		ran      bool
	)
	prog := &cli.Program{
		Name: "testprog",
		Run: func() error {
			ran = true
			return nil
		},
		Opts: []cli.Opt{
			{DestP: &logLevel, Flag: "log-level", Default: "info", Desc: "log level"},
			{DestP: &dir, Flag: "dir", Default: "/tmp/data", Desc: "data directory"},
			{DestP: &retries, Flag: "retries", Default: 3, Desc: "retry count"},
			{DestP: &sync, Flag: "sync", Default: true, Desc: "sync writes"},
			{DestP: &timeout, Flag: "timeout", Default: 10 * time.Second, Desc: "round timeout"},
		},
	}

	cmd := cli.NewCommand(prog)

	// The environment wins over the default; everything else keeps its
	// default until a flag overrides it.
	require.Equal(t, "debug", logLevel)
	require.Equal(t, "/tmp/data", dir)
	require.Equal(t, 3, retries)
	require.True(t, sync)
	require.Equal(t, 10*time.Second, timeout)

	cmd.SetArgs([]string{"--dir", "/var/lib/testprog"})
	require.NoError(t, cmd.Execute())
	require.True(t, ran)
	require.Equal(t, "/var/lib/testprog", dir)
}
