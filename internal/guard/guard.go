// Package guard validates untrusted path and git-ref arguments before
// they reach the filesystem or version control.
//
// Every tool call argument that names a file or a revision passes
// through here first. Both checks fail closed: anything ambiguous is
// rejected.
package guard

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// MaxRefLength caps accepted revision strings.
const MaxRefLength = 256

// SecurityError reports a path or ref that failed containment.
type SecurityError struct {
	Kind  string // "path" or "ref"
	Value string
	Why   string
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("rejected %s %q: %s", e.Kind, e.Value, e.Why)
}

// refPattern covers hex hashes, symbolic refs and relative-ancestor
// syntax (HEAD, HEAD~3, HEAD^2), and branch/tag names containing
// '/', '.', '-', '_'. It is a defense-in-depth layer: refs are always
// passed to git as discrete arguments, never through a shell.
var refPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9/._~^-]*$`)

// ResolveWorkspacePath resolves candidate against root and requires the
// result to stay inside the workspace. It defeats ../ traversal,
// absolute-path override, and sibling-prefix collisions such as
// "workspace-evil" passing a naive prefix check against "workspace".
//
// Returns the cleaned absolute path on success.
func ResolveWorkspacePath(root, candidate string) (string, error) {
	if root == "" {
		return "", &SecurityError{Kind: "path", Value: candidate, Why: "no workspace open"}
	}
	if candidate == "" {
		return "", &SecurityError{Kind: "path", Value: candidate, Why: "empty path"}
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", &SecurityError{Kind: "path", Value: candidate, Why: "workspace root not resolvable"}
	}
	absRoot = filepath.Clean(absRoot)

	resolved := candidate
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(absRoot, resolved)
	}
	resolved = filepath.Clean(resolved)

	if resolved != absRoot && !strings.HasPrefix(resolved, absRoot+string(filepath.Separator)) {
		return "", &SecurityError{Kind: "path", Value: candidate, Why: "outside workspace boundary"}
	}
	return resolved, nil
}

// CheckRef validates a git revision argument against a restrictive
// token grammar. Shell metacharacters, whitespace, and command
// substitution never match.
func CheckRef(ref string) (string, error) {
	if ref == "" {
		return "", &SecurityError{Kind: "ref", Value: ref, Why: "empty ref"}
	}
	if len(ref) > MaxRefLength {
		return "", &SecurityError{Kind: "ref", Value: ref[:32] + "...", Why: "ref too long"}
	}
	if !refPattern.MatchString(ref) {
		return "", &SecurityError{Kind: "ref", Value: ref, Why: "ref contains disallowed characters"}
	}
	return ref, nil
}
