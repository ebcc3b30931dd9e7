// ABOUTME: Network failure signatures after which an upstream request is retried.
// ABOUTME: Matches connection resets, dropped TLS handshakes and temporary DNS failures.

package transmitter

import (
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
)

func isRetryableNetworkError(err error) bool {
	if err == nil {
		return false
	}

	// Connection reset, or closed before a response arrived
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	if strings.Contains(err.Error(), "TLS handshake") {
		return true
	}

	// EAI_AGAIN
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsTemporary {
		return true
	}

	return false
}
