package client

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Origin identifies where a pooled transport leads. Two transports are
// interchangeable only when their origins are equal.
type Origin struct {
	Scheme string
	Host   string
	Port   int
	// Discriminator separates transports to the same host that were
	// reached differently, e.g. through a proxy tunnel.
	Discriminator string
}

// OriginOf derives the origin of u. Missing ports default to 80 for http
// and 443 for https.
func OriginOf(u *url.URL, discriminator string) (Origin, error) {
	scheme := strings.ToLower(u.Scheme)
	var def int
	switch scheme {
	case "http":
		def = 80
	case "https":
		def = 443
	default:
		return Origin{}, fmt.Errorf("client: unsupported scheme %q", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return Origin{}, fmt.Errorf("client: missing host in %q", u.Redacted())
	}
	port := def
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || n > 65535 {
			return Origin{}, fmt.Errorf("client: invalid port %q", p)
		}
		port = n
	}
	return Origin{Scheme: scheme, Host: host, Port: port, Discriminator: discriminator}, nil
}

// Addr returns host:port for dialing.
func (o Origin) Addr() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

func (o Origin) String() string {
	s := o.Scheme + "://" + o.Addr()
	if o.Discriminator != "" {
		s += " (" + o.Discriminator + ")"
	}
	return s
}
