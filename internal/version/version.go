// Package version reports build metadata.
//
// Values are injected at link time:
//
//	go build -ldflags "-X github.com/rickgao/brokerlink/internal/version.Version=1.2.0 \
//	                   -X github.com/rickgao/brokerlink/internal/version.Commit=$(git rev-parse --short HEAD) \
//	                   -X github.com/rickgao/brokerlink/internal/version.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)" ./cmd/gateway
package version

var (
	// Version is the release tag.
	Version = "dev"

	Commit = "unknown"

	// BuildTime is an RFC 3339 UTC timestamp.
	BuildTime = "unknown"
)

// Info is the build metadata in reportable form.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

// Get returns the current build metadata.
func Get() Info {
	return Info{Version: Version, Commit: Commit, BuildTime: BuildTime}
}

// String returns a one-line summary.
func String() string {
	return Version + " (" + Commit + ") built " + BuildTime
}
