package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

const maxNameLen = 128

// ValidateName checks that s is safe to use as a single path element, for
// example a channel topic or a pipeline name. Only ASCII letters, digits,
// dot, underscore and dash are accepted, and the name may not start with a dot.
func ValidateName(s string) error {
	if s == "" {
		return fmt.Errorf("name must not be empty")
	}
	if len(s) > maxNameLen {
		return fmt.Errorf("name %q exceeds %d characters", s, maxNameLen)
	}
	if s[0] == '.' {
		return fmt.Errorf("name %q must not start with a dot", s)
	}
	for _, r := range s {
		if !isNameRune(r) {
			return fmt.Errorf("name %q contains invalid character %q", s, r)
		}
	}
	return nil
}

func isNameRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
		r == '.' || r == '_' || r == '-'
}

// SanitizeFilename makes a safe filename from an arbitrary string. Runs of
// invalid characters collapse to one underscore and the result is trimmed of
// leading and trailing dots and underscores.
func SanitizeFilename(s string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		if b.Len() >= maxNameLen {
			break
		}
		if isNameRune(r) {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore {
			b.WriteRune('_')
			lastUnderscore = true
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}

// ValidatePathWithinDirectory checks that filePath resolves inside safeDir.
// Symlinks in existing parents are resolved before comparing.
func ValidatePathWithinDirectory(filePath, safeDir string) error {
	absPath, err := filepath.Abs(filepath.Clean(filePath))
	if err != nil {
		return fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	absSafeDir, err := filepath.Abs(safeDir)
	if err != nil {
		return fmt.Errorf("failed to resolve safe directory path: %w", err)
	}
	canonicalSafeDir, err := filepath.EvalSymlinks(absSafeDir)
	if err != nil {
		return fmt.Errorf("failed to resolve safe directory symlinks: %w", err)
	}

	canonicalPath := absPath
	for check := absPath; ; {
		if resolved, err := filepath.EvalSymlinks(check); err == nil {
			rel, _ := filepath.Rel(check, absPath)
			canonicalPath = filepath.Join(resolved, rel)
			break
		}
		parent := filepath.Dir(check)
		if parent == check {
			break
		}
		check = parent
	}

	rel, err := filepath.Rel(canonicalSafeDir, canonicalPath)
	if err != nil {
		return fmt.Errorf("path is outside safe directory: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("path traversal detected: %s attempts to escape %s", filePath, safeDir)
	}
	return nil
}
