package main

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func contextWithArgs(t *testing.T, args ...string) *cli.Context {
	t.Helper()
	set := flag.NewFlagSet("test", flag.ContinueOnError)
	require.NoError(t, set.Parse(append([]string{"--"}, args...)))
	return cli.NewContext(newApp(), set, nil)
}

func TestOptionalSteps(t *testing.T) {
	steps, err := optionalSteps(contextWithArgs(t))
	require.NoError(t, err)
	require.Equal(t, 0, steps)

	steps, err = optionalSteps(contextWithArgs(t, "3"))
	require.NoError(t, err)
	require.Equal(t, 3, steps)

	for _, bad := range []string{"0", "-2", "many"} {
		_, err = optionalSteps(contextWithArgs(t, bad))
		require.Error(t, err, bad)
	}
}

func TestCreateCommand(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "migrations")
	require.NoError(t, newApp().Run([]string{"migrate", "--dir", dir, "create", "add audit log"}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestUpRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	err := newApp().Run([]string{"migrate", "--dir", t.TempDir(), "up"})
	require.Error(t, err)
}
