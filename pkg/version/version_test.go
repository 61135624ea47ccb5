package version

import "testing"

func TestGetFullVersion(t *testing.T) {
	oldVersion, oldCommit, oldBuilt := Version, GitCommit, BuildTime
	t.Cleanup(func() { Version, GitCommit, BuildTime = oldVersion, oldCommit, oldBuilt })

	Version, GitCommit, BuildTime = "dev", "abc123", "2026-01-02"
	if got := GetFullVersion(); got != "bizagent/dev (commit: abc123, built: 2026-01-02)" {
		t.Fatalf("dev build: got %q", got)
	}

	Version = "1.4.0"
	if got := GetFullVersion(); got != "bizagent/1.4.0" {
		t.Fatalf("release build: got %q", got)
	}
	if info := Get(); info.Name != "bizagent" || info.Version != "1.4.0" || info.GitCommit != "abc123" {
		t.Fatalf("unexpected info %+v", info)
	}
}
