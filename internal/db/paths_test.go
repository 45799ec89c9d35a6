package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeCwd(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", "/"},
		{"  ", "/"},
		{"/home/user/project/", "/home/user/project"},
		{"/home/user/project///", "/home/user/project"},
		{`C:\Users\dev\proj`, "C:/Users/dev/proj"},
		{"/", "/"},
		{" /tmp ", "/tmp"},
	}
	for _, tc := range cases {
		got := NormalizeCwd(tc.in)
		assert.Equal(t, tc.want, got, "NormalizeCwd(%q)", tc.in)
		assert.Equal(t, got, NormalizeCwd(got), "idempotence for %q", tc.in)
	}
}

func TestClassifyPath(t *testing.T) {
	existing := t.TempDir()

	cases := []struct {
		in         string
		wantType   PathType
		wantExists bool
	}{
		{"gemini-project:abc123", PathVirtual, false},
		{"placeholder:xyz", PathVirtual, false},
		{"", PathVirtual, false},
		{"github.com/foo/bar", PathRemote, false},
		{"https://gitlab.com/foo/bar", PathRemote, false},
		{"git@github.com:foo/bar.git", PathRemote, false},
		{existing, PathLocal, true},
		{"/definitely/not/a/real/path", PathLocal, false},
	}
	for _, tc := range cases {
		gotType, gotExists := ClassifyPath(tc.in)
		assert.Equal(t, tc.wantType, gotType, "ClassifyPath(%q) type", tc.in)
		assert.Equal(t, tc.wantExists, gotExists, "ClassifyPath(%q) exists", tc.in)
	}
}
