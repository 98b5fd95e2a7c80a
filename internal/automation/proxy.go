package automation

import (
	"math/rand"
	"strings"
)

// ProxyCredentials is a parsed proxy endpoint. Username/Password are empty
// for unauthenticated proxies.
type ProxyCredentials struct {
	Server   string // host:port
	Username string
	Password string
}

// ParseProxy parses a proxy spec. Accepted forms:
//
//	host:port
//	user:pass@host:port (with optional http://, https:// or socks5:// prefix)
//	host:port:user:pass
func ParseProxy(raw string) ProxyCredentials {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ProxyCredentials{}
	}

	for _, prefix := range []string{"http://", "https://", "socks5://"} {
		raw = strings.TrimPrefix(raw, prefix)
	}

	if at := strings.LastIndex(raw, "@"); at >= 0 {
		auth, server := raw[:at], raw[at+1:]
		user, pass, _ := strings.Cut(auth, ":")
		return ProxyCredentials{Server: server, Username: user, Password: pass}
	}

	// host:port:user:pass form used by some proxy vendors.
	if parts := strings.Split(raw, ":"); len(parts) == 4 {
		return ProxyCredentials{
			Server:   parts[0] + ":" + parts[1],
			Username: parts[2],
			Password: parts[3],
		}
	}

	return ProxyCredentials{Server: raw}
}

// ChooseProxy picks one proxy at random from a comma-separated list, so
// successive automation runs spread across the configured endpoints.
func ChooseProxy(list string) ProxyCredentials {
	var specs []string
	for _, s := range strings.Split(list, ",") {
		if s = strings.TrimSpace(s); s != "" {
			specs = append(specs, s)
		}
	}
	if len(specs) == 0 {
		return ProxyCredentials{}
	}
	return ParseProxy(specs[rand.Intn(len(specs))])
}
