package sshadapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// classify maps an error returned from ssh.Dial into one of the reason
// strings defined by §4.3's error mapping table. The x/crypto/ssh package
// does not expose typed error categories for handshake failures, so string
// inspection on the wrapped error chain is used, same as §4.3 intends by
// naming the categories rather than concrete Go types.
func classify(err error) string {
	if err == nil {
		return ""
	}

	var fpErr *FingerprintMismatchError
	if errors.As(err, &fpErr) {
		return fpErr.Error()
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return fmt.Sprintf("DNS lookup failed (%s)", dnsErr.Err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return "connection timed out"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "connection timed out"
	}

	msg := err.Error()

	if strings.Contains(msg, "unable to authenticate") {
		return "authentication denied"
	}

	if strings.Contains(msg, "ssh: handshake failed") {
		return fmt.Sprintf("SSH handshake failed (%s)", trimHandshakePrefix(msg))
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return fmt.Sprintf("connection error (%s)", opErr.Err)
	}

	return fmt.Sprintf("unexpected error (%s)", msg)
}

func trimHandshakePrefix(msg string) string {
	const prefix = "ssh: handshake failed: "
	if strings.HasPrefix(msg, prefix) {
		return msg[len(prefix):]
	}
	return msg
}
