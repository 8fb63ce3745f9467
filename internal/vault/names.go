package vault

import (
	"fmt"
	"strings"
)

// validateName rejects names that could escape the vault layout or collide
// with the filesystem vault's bookkeeping files.
func validateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("invalid vault item name %q", name)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("vault item name %q must not contain path separators", name)
	case strings.HasPrefix(name, ".tmp-"):
		return fmt.Errorf("vault item name %q uses a reserved prefix", name)
	case strings.HasSuffix(name, ".version"):
		return fmt.Errorf("vault item name %q uses a reserved suffix", name)
	}
	return nil
}
