package image

import "runtime"

type Arch int

const (
	ARCH_UNKNOWN Arch = iota
	ARCH_ARM
	ARCH_ARM64
	ARCH_X86
	ARCH_X86_64
)

func (arch Arch) String() string {
	switch arch {
	case ARCH_ARM:
		return "arm"
	case ARCH_ARM64:
		return "arm64"
	case ARCH_X86:
		return "x86"
	case ARCH_X86_64:
		return "x86_64"
	default:
		return "unknown"
	}
}

// CurrentArch reports the architecture of the running process.
func CurrentArch() Arch {
	switch runtime.GOARCH {
	case "arm":
		return ARCH_ARM
	case "arm64":
		return ARCH_ARM64
	case "386":
		return ARCH_X86
	case "amd64":
		return ARCH_X86_64
	default:
		return ARCH_UNKNOWN
	}
}
