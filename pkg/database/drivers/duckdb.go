//go:build cgo && duckdb && linux && (amd64 || arm64)

// DuckDB binds a C++ engine through CGO, so it stays behind a build tag to
// keep default builds pure Go and cross compilation predictable.
// Build examples:
//
//	CGO_ENABLED=1 GOOS=linux GOARCH=amd64 go build -tags duckdb
//	CGO_ENABLED=1 GOOS=linux GOARCH=arm64 go build -tags duckdb
//	go build -tags duckdb -o explorer-tile-map
package drivers

import (
	_ "github.com/marcboeker/go-duckdb"
)
