package pool

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"

	"github.com/agentry/partyline/pkg/log"
	"github.com/agentry/partyline/pkg/types"
)

// On-disk layout names carry the schema version so that Prepare can detect
// a stale root without opening anything.
var (
	sharedDBRe = regexp.MustCompile(`^pool_v(\d+)\.db$`)
	mailDirRe  = regexp.MustCompile(`^mail_v(\d+)$`)
)

// SharedDBName is the filename of the shared-variant SQLite store.
func SharedDBName() string {
	return fmt.Sprintf("pool_v%d.db", types.SchemaVersion)
}

// MailDirName is the subdirectory holding the mailbox-variant stores.
func MailDirName() string {
	return fmt.Sprintf("mail_v%d", types.SchemaVersion)
}

// SharedDBPath returns the shared store location under root.
func SharedDBPath(root string) string {
	return filepath.Join(root, SharedDBName())
}

// MailDir returns the mailbox store directory under root.
func MailDir(root string) string {
	return filepath.Join(root, MailDirName())
}

// Resolve picks the pool root directory. An explicit path (config file or
// PARTYLINE_POOL) must be usable and gets no fallback; otherwise the OS
// primary is tried and, on failure, the public-writable fallback.
func Resolve(explicit string) (string, error) {
	return resolveFrom(explicit, defaultCandidates())
}

func resolveFrom(explicit string, candidates []string) (string, error) {
	if explicit != "" {
		if err := probe(explicit); err != nil {
			return "", fmt.Errorf("pool root %s not usable: %w", explicit, err)
		}
		return explicit, nil
	}

	var lastErr error
	for _, dir := range candidates {
		if err := probe(dir); err != nil {
			lastErr = err
			continue
		}
		return dir, nil
	}
	return "", fmt.Errorf("no usable pool root: %w", lastErr)
}

func defaultCandidates() []string {
	if runtime.GOOS == "windows" {
		return []string{
			`C:\partyline_pool`,
			`C:\Users\Public\partyline_pool`,
		}
	}
	candidates := []string{}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".partyline_pool"))
	}
	return append(candidates, filepath.Join(os.TempDir(), "partyline_pool"))
}

// probe ensures dir exists and is actually writable, not merely stat-able.
func probe(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	f := filepath.Join(dir, ".partyline_probe")
	if err := os.WriteFile(f, []byte("ok"), 0644); err != nil {
		return fmt.Errorf("failed to write probe file: %w", err)
	}
	if err := os.Remove(f); err != nil {
		return fmt.Errorf("failed to remove probe file: %w", err)
	}
	return nil
}

// Prepare applies the schema-version gate to root: if the directory holds a
// store layout from any other schema version, the entire root is wiped and
// recreated. State is never migrated across versions; agents are stateless
// across bumps. Returns whether a wipe happened.
//
// Tests parameterize this on a temp root; it is the single entry point for
// shared-state initialization.
func Prepare(root string) (bool, error) {
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return false, os.MkdirAll(root, 0755)
	}
	if err != nil {
		return false, fmt.Errorf("failed to read pool root: %w", err)
	}

	stale := false
	for _, e := range entries {
		if v, ok := layoutVersion(e.Name()); ok && v != types.SchemaVersion {
			stale = true
			break
		}
	}
	if !stale {
		return false, nil
	}

	logger := log.WithComponent("pool")
	logger.Warn().
		Str("root", root).
		Int("schema", types.SchemaVersion).
		Msg("schema version mismatch, wiping pool root")

	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(root, e.Name())); err != nil {
			return false, fmt.Errorf("failed to wipe pool root: %w", err)
		}
	}
	return true, nil
}

// layoutVersion extracts the schema version from a layout entry name.
func layoutVersion(name string) (int, bool) {
	if m := sharedDBRe.FindStringSubmatch(name); m != nil {
		v, err := strconv.Atoi(m[1])
		return v, err == nil
	}
	if m := mailDirRe.FindStringSubmatch(name); m != nil {
		v, err := strconv.Atoi(m[1])
		return v, err == nil
	}
	return 0, false
}
