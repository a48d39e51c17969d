package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"

	"github.com/y-itao/baidupan/xpanerr"
)

// Classify maps an HTTP status code, a provider error number (xpan errno,
// 0 if not applicable), and a transport error into a Kind (spec §4.H, §7):
//
//   - 5xx, connection reset, read timeout, or the provider's rate-limit
//     errno classify as Transient.
//   - the provider's auth-expired errnos (110/111) or HTTP 401 classify as
//     Auth.
//   - any other 4xx is Fatal (reported as KindUnknown, not retryable).
func Classify(statusCode int, errno int, err error) xpanerr.Kind {
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return xpanerr.KindUnknown
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return xpanerr.KindTransient
		}
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return xpanerr.KindTransient
		}
		var opErr *net.OpError
		if errors.As(err, &opErr) {
			return xpanerr.KindTransient
		}
	}
	switch errno {
	case 110, 111:
		return xpanerr.KindAuth
	case 31034: // hit frequency limit
		return xpanerr.KindTransient
	}
	switch {
	case statusCode == http.StatusUnauthorized:
		return xpanerr.KindAuth
	case statusCode >= 500:
		return xpanerr.KindTransient
	case statusCode == http.StatusTooManyRequests:
		return xpanerr.KindTransient
	case statusCode >= 400:
		return xpanerr.KindUnknown
	}
	if err != nil {
		return xpanerr.KindTransient
	}
	return xpanerr.KindUnknown
}

// Retryable reports whether the harness should retry a call classified as
// kind. Auth is handled specially by callers (one refresh-and-retry, not
// governed by the generic retry loop) so it reports false here.
func Retryable(kind xpanerr.Kind) bool {
	return kind == xpanerr.KindTransient
}
