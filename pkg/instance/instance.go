package instance

import (
	"fmt"
	"os"
	"strings"
)

// ID returns the configured instance identifier, or hostname-pid when none is
// set. Lease columns record it so operators can tell which process holds a
// claim.
func ID(configured string) string {
	if id := strings.TrimSpace(configured); id != "" {
		return id
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
