//go:build !windows || !amd64

package trap

import "github.com/wnxd/modhost/host"

// Default returns nil: no trap handler can be installed on this platform,
// so mid hooks and breakpoints are unavailable.
func Default() host.TrapInstaller {
	return nil
}
