package version

import (
	_ "embed"
	"strings"
)

//go:embed version.txt
var versionFile string

// Version returns the current myco version
func Version() string {
	return strings.TrimSpace(versionFile)
}

// UserAgent is the default User-Agent sent by the outbound client.
func UserAgent() string {
	return "myco/" + Version()
}
