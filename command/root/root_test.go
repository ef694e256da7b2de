package root

import (
	"testing"

	"github.com/0xPolygon/covtrace/command"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRootCommand(t *testing.T) {
	t.Parallel()

	rc := NewRootCommand()

	for _, name := range []string{"proxy", "records", "version"} {
		cmd, _, err := rc.baseCmd.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, cmd.Name())

		// --json is inherited from the root
		assert.NotNil(t, cmd.Flag(command.JSONOutputFlag), name)
	}
}
