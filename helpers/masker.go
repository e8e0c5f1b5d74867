package helpers

import "strings"

// MaskSensitive redacts the arguments of line when command is one of
// sensitiveCommands, so "PASS hunter2" logs as "PASS [REDACTED]". Lines for
// other commands are returned unchanged.
func MaskSensitive(line, command string, sensitiveCommands ...string) string {
	sensitive := false
	for _, cmd := range sensitiveCommands {
		if strings.EqualFold(command, cmd) {
			sensitive = true
			break
		}
	}
	if !sensitive {
		return line
	}

	parts := strings.Fields(line)
	for i, p := range parts {
		if strings.EqualFold(p, command) {
			if len(parts) > i+1 {
				return strings.Join(parts[:i+1], " ") + " [REDACTED]"
			}
			return line
		}
	}
	return line
}
