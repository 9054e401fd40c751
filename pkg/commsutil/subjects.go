package commsutil

import (
	"fmt"
	"strings"
)

// Default COMMS subjects.
const (
	// SubjectLifecycle receives every gateway lifecycle event.
	SubjectLifecycle = "gateway.lifecycle"
)

// BuildLifecycleSubject builds the granular subject for one event kind,
// optionally scoped to a host instance.
func BuildLifecycleSubject(host, kind string) string {
	if host == "" {
		return fmt.Sprintf("%s.%s", SubjectLifecycle, sanitizeToken(kind))
	}
	return fmt.Sprintf("%s.%s.%s", SubjectLifecycle, sanitizeToken(host), sanitizeToken(kind))
}

// sanitizeToken makes s usable as a single subject token.
func sanitizeToken(s string) string {
	r := strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")
	return r.Replace(s)
}
