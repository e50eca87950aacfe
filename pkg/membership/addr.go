package membership

import (
	"net"
	"strings"

	"github.com/ryandielhenn/svcreg/pkg/registry"
)

const DefaultPort = "80"

// NormalizeHostPort strips an http:// or https:// prefix and adds defPort
// when addr carries no port.
func NormalizeHostPort(addr, defPort string) string {
	if rest, ok := strings.CutPrefix(addr, "http://"); ok {
		addr = rest
	} else if rest, ok := strings.CutPrefix(addr, "https://"); ok {
		addr = rest
	}
	addr = strings.TrimSuffix(addr, "/")
	if addr == "" {
		return ""
	}

	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(strings.Trim(addr, "[]"), defPort)
}

// Address picks where a service instance can be reached from its metadata:
// an explicit "address", else "host" plus "port". Empty when neither is set.
func Address(svc registry.Service) string {
	if a := svc.Metadata["address"]; a != "" {
		return NormalizeHostPort(a, DefaultPort)
	}
	host := svc.Metadata["host"]
	if host == "" {
		return ""
	}
	port := svc.Metadata["port"]
	if port == "" {
		port = DefaultPort
	}
	return net.JoinHostPort(host, port)
}
