package lantern

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSelfIDResolution(t *testing.T) {
	require.Equal(t, demoSelf, options{}.selfID(), "no --self falls back to the demo identity")
	require.Equal(t, "@alice:example.org", options{self: "@alice:example.org"}.selfID())
}

func TestRootCmdRegistersSelfFlag(t *testing.T) {
	cmd := newRootCmd("test")

	fl := cmd.Flags().Lookup("self")
	require.NotNil(t, fl)
	require.Equal(t, "", fl.DefValue)

	require.NoError(t, cmd.ParseFlags([]string{"--self", "@alice:example.org"}))
	require.Equal(t, "@alice:example.org", fl.Value.String())
}
