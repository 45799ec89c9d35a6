package db

import (
	"os"
	"strings"
)

// vcsHostPrefixes are the known VCS hosts and URL schemes that mark a
// project cwd as Remote.
var vcsHostPrefixes = []string{
	"github.com/",
	"gitlab.com/",
	"bitbucket.org/",
	"http://",
	"https://",
	"git://",
	"ssh://",
	"git@",
}

// virtualPrefixes mark synthetic cwds some assistants generate, like
// Gemini's "gemini-project:abc123". Virtual paths must never be stat'd.
var virtualPrefixes = []string{
	"gemini-project:",
	"placeholder:",
}

// Swappable for tests.
var statFn = os.Stat

// NormalizeCwd canonicalizes a project cwd: trim whitespace, backslashes
// to forward slashes, trailing slashes collapsed, empty becomes "/". The
// operation is idempotent.
func NormalizeCwd(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\\", "/")
	for len(s) > 1 && strings.HasSuffix(s, "/") {
		s = strings.TrimSuffix(s, "/")
	}
	if s == "" {
		return "/"
	}
	return s
}

// ClassifyPath determines a cwd's PathType and, for Local paths, probes
// whether it exists on disk. Remote and Virtual paths are never stat'd.
func ClassifyPath(cwd string) (PathType, bool) {
	normalized := NormalizeCwd(cwd)
	if normalized == "/" && strings.TrimSpace(cwd) == "" {
		return PathVirtual, false
	}
	for _, p := range virtualPrefixes {
		if strings.HasPrefix(normalized, p) {
			return PathVirtual, false
		}
	}
	for _, p := range vcsHostPrefixes {
		if strings.HasPrefix(normalized, p) {
			return PathRemote, false
		}
	}
	info, err := statFn(normalized)
	return PathLocal, err == nil && info.IsDir()
}
