//go:build (netbsd && amd64) || ios || freebsd || darwin || (linux && riscv64) || (linux && ppc64le) || (linux && s390x) || (linux && amd64) || (linux && arm64) || (linux && 386) || android || (openbsd && amd64) || (openbsd && arm64)

package drivers

import (
	// The pure-Go SQLite driver serves both the default "sqlite" engine and
	// the "chai" alias registered next door.
	_ "modernc.org/sqlite"
)
