package instance

import (
	"os"
	"strconv"
	"strings"
	"testing"
)

func TestIDPrefersConfiguredValue(t *testing.T) {
	if got := ID(" cron-a "); got != "cron-a" {
		t.Fatalf("expected configured id, got %q", got)
	}
}

func TestIDFallsBackToHostAndPid(t *testing.T) {
	got := ID("")
	if !strings.HasSuffix(got, "-"+strconv.Itoa(os.Getpid())) {
		t.Fatalf("expected pid suffix, got %q", got)
	}
	if again := ID(""); again != got {
		t.Fatalf("expected a stable id, got %q then %q", got, again)
	}
}
