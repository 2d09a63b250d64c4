package logging

import "fmt"

// GenerateLogrotateConfig creates a logrotate configuration for a component
func GenerateLogrotateConfig(component string) string {
	return fmt.Sprintf(`# Logrotate configuration for media-pipeline %s
# Install: sudo cp this file to /etc/logrotate.d/media-pipeline-%s

/var/log/media-pipeline/%s/*.log {
    daily
    rotate 14
    compress
    delaycompress
    missingok
    notifempty
    create 0644 pipeline pipeline
    sharedscripts

    # copytruncate keeps the daemon's open file handle valid
    copytruncate
}
`, component, component, component)
}
