//go:build dragonfly || ios || freebsd || darwin || (linux && ppc64) || (linux && ppc64le) || (linux && s390x) || (linux && amd64) || (linux && mips64) || (linux && mips64le) || (linux && arm64) || android || (windows && amd64) || (windows && arm64)

package drivers

import (
	// Genji registers itself under "genji" when a binary opts into this
	// package.  Store tests import modernc directly and skip it.
	_ "github.com/genjidb/genji/driver"
)
