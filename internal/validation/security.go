// Package validation provides security validation functions for preventing
// command injection and path traversal in user-supplied configuration.
package validation

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

var dangerousArgChars = []string{";", "&", "|", "$", "`", "(", ")", "<", ">", "\\", "\"", "'", "\x00"}

// ValidateArgument validates a command line argument to prevent injection attacks
func ValidateArgument(arg string) error {
	for _, char := range dangerousArgChars {
		if strings.Contains(arg, char) {
			return fmt.Errorf("contains dangerous character: %q", char)
		}
	}

	if strings.Contains(arg, "..") {
		return fmt.Errorf("contains path traversal: %s", arg)
	}

	if filepath.IsAbs(arg) && !strings.HasPrefix(arg, "/usr/bin/") && !strings.HasPrefix(arg, "/bin/") {
		return fmt.Errorf("absolute path not allowed: %s", arg)
	}

	return nil
}

// ValidateCommand validates a command name against an allowlist
func ValidateCommand(command string, allowedCommands map[string]bool) error {
	if command == "" {
		return fmt.Errorf("command cannot be empty")
	}

	if !allowedCommands[command] {
		return fmt.Errorf("command '%s' is not allowed", command)
	}

	if err := ValidateArgument(command); err != nil {
		return fmt.Errorf("invalid command '%s': %w", command, err)
	}

	return nil
}

// ValidatePath validates a project-relative path such as the build output or
// the state directory.
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}

	cleanPath := filepath.ToSlash(filepath.Clean(path))
	if cleanPath == ".." || strings.HasPrefix(cleanPath, "../") || strings.Contains(cleanPath, "/../") {
		return fmt.Errorf("path traversal detected: %s", path)
	}

	restrictedPaths := []string{"/etc/", "/proc/", "/sys/", "/dev/", "/boot/"}
	lower := strings.ToLower(cleanPath)
	for _, restricted := range restrictedPaths {
		if strings.HasPrefix(lower+"/", restricted) {
			return fmt.Errorf("access to restricted path denied: %s", path)
		}
	}

	for _, char := range []string{";", "&", "|", "$", "`", "<", ">", "\x00"} {
		if strings.Contains(path, char) {
			return fmt.Errorf("path contains dangerous character: %q", char)
		}
	}

	return nil
}

// ValidateOrigin validates a WebSocket origin against the allowed hosts.
func ValidateOrigin(origin string, allowedHosts []string) error {
	if origin == "" {
		return fmt.Errorf("origin header is required")
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("invalid origin format: %w", err)
	}

	if originURL.Scheme != "http" && originURL.Scheme != "https" {
		return fmt.Errorf("invalid origin scheme '%s': only http and https are allowed", originURL.Scheme)
	}

	for _, allowed := range allowedHosts {
		if origin == allowed || originURL.Host == allowed || originURL.Hostname() == allowed {
			return nil
		}
	}

	return fmt.Errorf("origin '%s' is not in allowed origins list", origin)
}
