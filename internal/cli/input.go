package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// readPassword is a test seam for term.ReadPassword.
var readPassword = term.ReadPassword

// promptSyncKey reads the sync key without echoing it, so it never
// appears on screen or in shell history.
func promptSyncKey(w io.Writer) (string, error) {
	if _, err := fmt.Fprint(w, "Sync key: "); err != nil {
		return "", err
	}
	raw, err := readPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(w)
	if err != nil {
		return "", err
	}
	key := strings.TrimSpace(string(raw))
	if key == "" {
		return "", fmt.Errorf("empty sync key")
	}
	return key, nil
}
