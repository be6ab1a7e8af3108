//go:build !windows

package host

import "github.com/wnxd/modhost/host"

func defaultFreezer() host.Freezer {
	return host.NopFreezer
}
