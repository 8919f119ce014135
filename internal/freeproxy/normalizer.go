package freeproxy

import (
	"fmt"
	"strconv"
	"strings"

	"proxyfleet/internal/shared/types"
)

// Record 是一条原始代理描述串解析后的规范形式。
type Record struct {
	Key  string
	Type string
	Host string
	Port int
	Auth *types.ProxyAuth
}

// TypeHTTP is the plain forwarding transport assumed when a descriptor
// carries no scheme prefix.
const TypeHTTP = "http"

var knownSchemes = map[string]bool{
	"http":  true,
	"https": true,
}

// Parse normalizes a raw descriptor string into a Record. It accepts
//
//	[scheme://][user[:pass]@]host:port
//	[scheme://]host:port:user:pass
//
// and returns (nil, false) for anything else. Pure and total: no network
// I/O, never panics.
func Parse(raw string) (*Record, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, false
	}

	transport := TypeHTTP
	if idx := strings.Index(s, "://"); idx >= 0 {
		scheme := strings.ToLower(s[:idx])
		s = s[idx+3:]
		switch {
		case strings.HasPrefix(scheme, "socks4"):
			transport = "socks4"
		case strings.HasPrefix(scheme, "socks"):
			transport = "socks5"
		case knownSchemes[scheme]:
			transport = scheme
		default:
			return nil, false
		}
	}

	var auth *types.ProxyAuth
	parts := strings.Split(s, "@")
	if len(parts) > 2 {
		return nil, false
	}
	if len(parts) == 2 {
		cred := strings.SplitN(parts[0], ":", 2)
		auth = &types.ProxyAuth{Username: cred[0]}
		if len(cred) == 2 {
			auth.Password = cred[1]
		}
		s = parts[1]
	}

	fields := strings.Split(s, ":")
	var host, portStr string
	switch len(fields) {
	case 2:
		host, portStr = fields[0], fields[1]
	case 4:
		// host:port:user:pass — 认证字段按位置嵌入。
		if auth != nil {
			return nil, false
		}
		host, portStr = fields[0], fields[1]
		auth = &types.ProxyAuth{Username: fields[2], Password: fields[3]}
	default:
		return nil, false
	}

	if host == "" {
		return nil, false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return nil, false
	}

	return &Record{
		Key:  IdentityKey(host, port, auth),
		Type: transport,
		Host: host,
		Port: port,
		Auth: auth,
	}, true
}

// IdentityKey derives the stable deduplication key "host#hash" for an
// endpoint. With credentials, hash is the 32-bit shift-add string hash of
// "port:username:password" folded to [0,100000) by absolute-value modulo;
// without, it is the port itself. Kept bit-for-bit for continuity with
// already persisted keys; the folded space is small and two credential
// pairs can collide, so it must not be relied on for security-sensitive
// deduplication.
func IdentityKey(host string, port int, auth *types.ProxyAuth) string {
	if auth == nil {
		return fmt.Sprintf("%s#%d", host, port)
	}
	h := hashString(fmt.Sprintf("%d:%s:%s", port, auth.Username, auth.Password))
	n := int(h)
	if n < 0 {
		n = -n
	}
	return fmt.Sprintf("%s#%d", host, n%100000)
}

func hashString(s string) int32 {
	var h int32
	for _, c := range s {
		h = (h << 5) - h + int32(c)
	}
	return h
}

// Normalize parses a batch of raw descriptor lines, dropping rejects and
// deduplicating by identity key. Re-submitting the same list is a no-op at
// the caller because keys are stable.
func Normalize(lines []string) []*Record {
	records := make([]*Record, 0, len(lines))
	seen := make(map[string]struct{}, len(lines))
	for _, line := range lines {
		rec, ok := Parse(line)
		if !ok {
			continue
		}
		if _, dup := seen[rec.Key]; dup {
			continue
		}
		seen[rec.Key] = struct{}{}
		records = append(records, rec)
	}
	return records
}
