package fsadmin

import (
	"fmt"
	"path/filepath"
	"strings"
)

// DumpPath resolves a bare dump filename to its path inside scratchDir. It
// is the single implementation shared by the remote-command transport's
// get-dump/remove-dump handlers and the restore stage worker (SPEC_FULL.md
// §13(b)), so the bare-name rule is enforced identically on every path that
// touches a dump blob by name.
func DumpPath(scratchDir, filename string) (string, error) {
	if filename == "" || strings.ContainsAny(filename, "/\\") || filename == "." || filename == ".." {
		return "", fmt.Errorf("fsadmin: %q is not a bare filename", filename)
	}
	return filepath.Join(scratchDir, filename), nil
}
