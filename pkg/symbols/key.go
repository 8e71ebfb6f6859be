package symbols

import (
	"fmt"
	"path"
	"strings"

	"github.com/grafana/symbolicator/pkg/storage"
)

const tryPrefix = "try"

// Key identifies one symbol file.
type Key struct {
	DebugFilename string
	// DebugID is always upper-case.
	DebugID     string
	SymFilename string
}

// NewKey canonicalizes the debug id and rejects path components that could
// escape the key namespace.
func NewKey(debugFilename, debugID, symFilename string) (Key, error) {
	k := Key{
		DebugFilename: debugFilename,
		DebugID:       strings.ToUpper(debugID),
		SymFilename:   symFilename,
	}
	if k.SymFilename == "" {
		k.SymFilename = SymFilename(debugFilename)
	}
	for _, part := range []string{k.DebugFilename, k.DebugID, k.SymFilename} {
		if err := validatePart(part); err != nil {
			return Key{}, err
		}
	}
	return k, nil
}

// SymFilename derives the symbol file name from a debug file name:
// xul.pdb becomes xul.sym, libxul.so becomes libxul.so.sym.
func SymFilename(debugFilename string) string {
	if strings.HasSuffix(strings.ToLower(debugFilename), ".pdb") {
		return debugFilename[:len(debugFilename)-len(".pdb")] + ".sym"
	}
	return debugFilename + ".sym"
}

func validatePart(p string) error {
	switch {
	case p == "":
		return fmt.Errorf("empty symbol key component")
	case p == "." || p == "..":
		return fmt.Errorf("invalid symbol key component %q", p)
	case strings.ContainsAny(p, "/\\"):
		return fmt.Errorf("symbol key component %q contains a path separator", p)
	}
	return nil
}

func (k Key) String() string {
	return k.DebugFilename + "/" + k.DebugID + "/" + k.SymFilename
}

// ObjectKey is the key of the symbol file within a backend, with the
// backend's version prefix and try namespace applied.
func ObjectKey(desc storage.Descriptor, k Key) string {
	parts := make([]string, 0, 5)
	if desc.Prefix != "" {
		parts = append(parts, strings.Trim(desc.Prefix, "/"))
	}
	if desc.Try {
		parts = append(parts, tryPrefix)
	}
	parts = append(parts, k.DebugFilename, k.DebugID, k.SymFilename)
	return path.Join(parts...)
}

func cacheKey(k Key, opts Options) string {
	s := "symbols:" + k.String()
	if opts.Try {
		s += ":try"
	}
	return s
}
