package version

import (
	"bytes"
	"fmt"
	"runtime"

	"github.com/0xPolygon/covtrace/command/helper"
	"github.com/0xPolygon/covtrace/versioning"
)

type VersionResult struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	Branch    string `json:"branch,omitempty"`
	BuildTime string `json:"buildTime,omitempty"`
	GoVersion string `json:"goVersion"`
	Platform  string `json:"platform"`
}

func newVersionResult() *VersionResult {
	return &VersionResult{
		Version:   versioning.Version,
		Commit:    versioning.Commit,
		Branch:    versioning.Branch,
		BuildTime: versioning.BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

func (r *VersionResult) GetOutput() string {
	var buffer bytes.Buffer

	buffer.WriteString("\n[COVTRACE]\n")
	buffer.WriteString(helper.FormatKV([]string{
		fmt.Sprintf("Version|%s", r.Version),
		fmt.Sprintf("Commit|%s", r.Commit),
		fmt.Sprintf("Branch|%s", r.Branch),
		fmt.Sprintf("Built at|%s", r.BuildTime),
		fmt.Sprintf("Go|%s %s", r.GoVersion, r.Platform),
	}))

	return buffer.String()
}
