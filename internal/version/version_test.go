package version

import "testing"

func TestString(t *testing.T) {
	oldV, oldSHA, oldTime := Version, GitSHA, BuildTime
	defer func() { Version, GitSHA, BuildTime = oldV, oldSHA, oldTime }()

	if got := String(); got != "ballrig dev (unknown, built unknown)" {
		t.Errorf("String() = %q", got)
	}

	Version, GitSHA, BuildTime = "v0.3.0", "0123456789abcdef0123", "2026-10-01T12:00:00Z"
	if got := String(); got != "ballrig v0.3.0 (0123456789ab, built 2026-10-01T12:00:00Z)" {
		t.Errorf("String() = %q", got)
	}
}
