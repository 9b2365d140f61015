package logging

import (
	"fmt"
	"sort"
)

// Components that write under /var/log/meshsched
var rotatedComponents = map[string]string{
	"meshd":    "meshd",
	"meshnode": "meshnode",
}

// GenerateLogrotateConfig creates a logrotate configuration for a component
func GenerateLogrotateConfig(component string) string {
	return fmt.Sprintf(`# Logrotate configuration for meshsched %s
# Install: sudo cp this file to /etc/logrotate.d/meshsched-%s

/var/log/meshsched/%s/*.log {
    daily
    rotate 14
    compress
    delaycompress
    missingok
    notifempty
    create 0644 meshsched meshsched
    sharedscripts
    postrotate
        systemctl reload meshsched-%s 2>/dev/null || true
    endscript
}
`, component, component, component, rotatedComponents[component])
}

// LogrotateComponents lists the components that have a logrotate template
func LogrotateComponents() []string {
	names := make([]string, 0, len(rotatedComponents))
	for name := range rotatedComponents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsRotatedComponent reports whether component has a logrotate template
func IsRotatedComponent(component string) bool {
	_, ok := rotatedComponents[component]
	return ok
}
