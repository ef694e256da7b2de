package version

import (
	"bytes"
	"encoding/json"
	"runtime"
	"testing"

	"github.com/0xPolygon/covtrace/command"
	"github.com/0xPolygon/covtrace/versioning"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand_JSON(t *testing.T) {
	t.Parallel()

	var stdout bytes.Buffer

	cmd := GetCommand()
	cmd.Flags().Bool(command.JSONOutputFlag, false, "")
	cmd.SetOut(&stdout)
	cmd.SetArgs([]string{"--json"})

	require.NoError(t, cmd.Execute())

	var result VersionResult
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &result))

	assert.Equal(t, versioning.Version, result.Version)
	assert.Equal(t, runtime.Version(), result.GoVersion)
}

func TestVersionResult_GetOutput(t *testing.T) {
	t.Parallel()

	out := (&VersionResult{Version: "v1.0.0", GoVersion: "go1.21.0", Platform: "linux/amd64"}).GetOutput()

	assert.Contains(t, out, "[COVTRACE]")
	assert.Contains(t, out, "v1.0.0")
	assert.Contains(t, out, "go1.21.0 linux/amd64")
}
