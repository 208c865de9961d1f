package utils

import "io"

// maxDrain bounds how much of an unread body is discarded before closing.
const maxDrain = 64 << 10

// DrainAndClose discards what is left of a response body, up to maxDrain bytes, so
// the transport can reuse the connection, then closes it.
func DrainAndClose(rc io.ReadCloser) error {
	if rc == nil {
		return nil
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, maxDrain))
	return rc.Close()
}
