package util

import (
	"io"
	"log/slog"
)

// CloseQuietly closes c and logs a failure instead of returning it.
// Used on read paths where the close error carries no information.
func CloseQuietly(c io.Closer) {
	if err := c.Close(); err != nil {
		slog.Warn("close failed", "err", err)
	}
}
