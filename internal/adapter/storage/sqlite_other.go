//go:build !(linux || darwin || windows || freebsd)

package storage

import (
	"context"
	"fmt"
	"runtime"
)

const defaultBackend = "file"

func openSQLite(context.Context, string) (Store, error) {
	return nil, fmt.Errorf("sqlite backend is not available on %s/%s", runtime.GOOS, runtime.GOARCH)
}
