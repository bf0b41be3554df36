package updater

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// verifyFile computes SHA-256 over the file at path and compares it against
// want. The expected value may carry a "sha256:" prefix and is compared
// case-insensitively. Returns ErrChecksumMismatch on disagreement.
func verifyFile(path, want string) error {
	want = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(want)), "sha256:")
	if want == "" {
		return fmt.Errorf("descriptor has no checksum")
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open staged artifact: %w", err)
	}

	defer func() {
		_ = f.Close()
	}()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("failed to hash staged artifact: %w", err)
	}

	got := hex.EncodeToString(h.Sum(nil))
	if got != want {
		return fmt.Errorf("%w: got %s, want %s", ErrChecksumMismatch, got, want)
	}

	return nil
}
