package dependency

import (
	"fmt"
	"path/filepath"
	"strings"
)

var forbiddenPrefixes = []string{"/etc", "/sys", "/proc", "/dev"}

// ValidateCommandRequest performs security checks before command execution:
// the command whitelist, argument paths (no ".." elements, no system
// directories) and the working directory, which must stay inside WorkRoot.
func ValidateCommandRequest(req CommandRequest, config ExecutorConfig) error {
	if len(config.AllowedCommands) > 0 {
		allowed := false
		for _, cmd := range config.AllowedCommands {
			if req.Command == cmd {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("command %s is not in whitelist (allowed: %v)", req.Command, config.AllowedCommands)
		}
	}

	for _, arg := range req.Args {
		if hasTraversal(arg) {
			return fmt.Errorf("argument contains '..' path element (path traversal attempt): %s", arg)
		}
		for _, prefix := range forbiddenPrefixes {
			if arg == prefix || strings.HasPrefix(arg, prefix+"/") {
				return fmt.Errorf("argument attempts to access forbidden system directory %s: %s", prefix, arg)
			}
		}
	}

	if req.WorkingDir != "" {
		pm := NewPathManager(config.WorkRoot)
		if err := pm.ValidatePath(req.WorkingDir); err != nil {
			return fmt.Errorf("invalid working directory: %w", err)
		}
	}

	return nil
}

// hasTraversal reports whether any slash-separated element of s is "..".
// File names such as "take..2.mp3" are allowed.
func hasTraversal(s string) bool {
	for _, part := range strings.Split(filepath.ToSlash(s), "/") {
		if part == ".." {
			return true
		}
	}
	return false
}
