package instance

import (
	"os"
	"strings"
)

// GetID names the running process for logs. Platform dyno names win over the
// explicit override so log lines match the host's own labels.
func GetID(fallback string) string {
	for _, key := range []string{"DYNO", "STOREFRONT_INSTANCE_ID"} {
		if id := strings.TrimSpace(os.Getenv(key)); id != "" {
			return id
		}
	}
	return fallback
}
