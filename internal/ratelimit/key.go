package ratelimit

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/edgeroute/edgeroute/internal/config"
)

// UnknownClient is the key used when no client identity can be derived.
// All such requests share one window.
const UnknownClient = "unknown"

// KeyStrategy derives the rate-limit key for a request. It never fails;
// requests without an identity map to UnknownClient.
type KeyStrategy interface {
	Key(r *http.Request) string
}

// RemoteAddrStrategy keys on the host part of the transport peer address.
type RemoteAddrStrategy struct{}

func (RemoteAddrStrategy) Key(r *http.Request) string {
	return hostOf(r.RemoteAddr)
}

func hostOf(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return UnknownClient
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" {
		return UnknownClient
	}
	return host
}

// ForwardedStrategy trusts the first X-Forwarded-For hop, then X-Real-IP,
// then the peer address. Use it only behind a proxy that sets those
// headers.
type ForwardedStrategy struct{}

func (ForwardedStrategy) Key(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	return hostOf(r.RemoteAddr)
}

// HeaderStrategy keys on a request header such as an API key.
type HeaderStrategy struct {
	HeaderName string
}

func (s HeaderStrategy) Key(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(s.HeaderName)); v != "" {
		return v
	}
	return UnknownClient
}

// NewKeyStrategy builds the strategy named by cfg.Type. An empty type
// selects remote_addr.
func NewKeyStrategy(cfg config.KeyStrategyConfig) (KeyStrategy, error) {
	switch cfg.Type {
	case config.KeyStrategyRemoteAddr, "":
		return RemoteAddrStrategy{}, nil
	case config.KeyStrategyForwarded:
		return ForwardedStrategy{}, nil
	case config.KeyStrategyHeader:
		if cfg.HeaderName == "" {
			return nil, fmt.Errorf("header_name is required when type is %q", cfg.Type)
		}
		return HeaderStrategy{HeaderName: http.CanonicalHeaderKey(cfg.HeaderName)}, nil
	default:
		return nil, fmt.Errorf("unknown key strategy type %q: must be remote_addr, forwarded, or header", cfg.Type)
	}
}
