package versioning

var (
	// Version is the release version, Commit the git commit it was built from,
	// Branch the git branch and BuildTime the timestamp of the build.
	// Embedded by --ldflags on build time
	// Versioning should follow the SemVer guidelines
	// https://semver.org/
	Version   = "v0.1.0-dev"
	Branch    string
	Commit    string
	BuildTime string
)
