// Package avurl parses and rewrites media URLs the way FFmpeg's protocol
// layer sees them (rtmp://, rtmps://, srt://, plain file paths).
package avurl

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrEmpty       = errors.New("empty URL")
	ErrUnsupported = errors.New("unsupported protocol")
)

type URL struct {
	Scheme   string `json:"scheme"`
	Userinfo string `json:"userinfo,omitempty"`
	Host     string `json:"host"`
	Port     string `json:"port,omitempty"`
	Path     string `json:"path,omitempty"`

	l layout
}

// Parse splits raw into components and validates host and port.
func Parse(raw string) (*URL, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, ErrEmpty
	}
	scheme, userinfo, host, port, path, l := split(raw)

	// split/join must round-trip; a mismatch is a bug in split
	if raw != join(scheme, userinfo, host, port, path, l) {
		return nil, errors.New("unable to parse URL")
	}
	if l.junk != "" {
		return nil, fmt.Errorf("invalid URL: unexpected %q after host", l.junk)
	}
	if host != "" {
		if err := ValidateHost(host); err != nil {
			return nil, err
		}
	}
	if l.hasPort && !isPort(port) {
		return nil, fmt.Errorf("bad port: '%s'", port)
	}

	return &URL{Scheme: scheme, Userinfo: userinfo, Host: host, Port: port, Path: path, l: l}, nil
}

// String reassembles the URL byte-for-byte.
func (u *URL) String() string {
	return join(u.Scheme, u.Userinfo, u.Host, u.Port, u.Path, u.l)
}

// Protocol is the lower-cased scheme.
func (u *URL) Protocol() string { return strings.ToLower(u.Scheme) }

// ParseStreamURL parses raw and requires one of the given protocols and a host.
func ParseStreamURL(raw string, protocols ...string) (*URL, error) {
	u, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	proto := u.Protocol()
	ok := false
	for _, p := range protocols {
		if proto == p {
			ok = true
			break
		}
	}
	if !ok {
		if proto == "" {
			return nil, fmt.Errorf("%w: missing scheme in %q", ErrUnsupported, Redact(raw, ""))
		}
		return nil, fmt.Errorf("%w: %q (want one of %s)", ErrUnsupported, proto, strings.Join(protocols, ", "))
	}
	if u.Host == "" {
		return nil, fmt.Errorf("missing host in %q", Redact(raw, ""))
	}
	return u, nil
}

// WithStreamKey appends key to a publish URL: as the last path segment for
// RTMP(S), as the streamid query parameter for SRT.
func WithStreamKey(raw, key string) string {
	if key == "" {
		return raw
	}
	u, err := Parse(raw)
	if err != nil {
		return raw
	}
	switch u.Protocol() {
	case "srt":
		sep := "?"
		if strings.Contains(raw, "?") {
			sep = "&"
		}
		return raw + sep + "streamid=" + key
	default:
		return strings.TrimRight(raw, "/") + "/" + key
	}
}

// Redact hides userinfo, the stream key and any srt passphrase/streamid so
// the URL can be logged. key is masked only where WithStreamKey puts it: as a
// whole path segment or as the streamid value.
func Redact(raw, key string) string {
	const mask = "****"
	out := raw
	if u, err := Parse(raw); err == nil {
		if u.Userinfo != "" {
			u.Userinfo = mask
		}
		if key != "" {
			u.Path = maskSegment(u.Path, key, mask)
		}
		out = u.String()
	} else if key != "" && strings.HasSuffix(out, "/"+key) {
		out = strings.TrimSuffix(out, key) + mask
	}
	for _, param := range []string{"passphrase=", "streamid="} {
		out = maskParam(out, param, mask)
	}
	return out
}

// maskSegment replaces path segments equal to key. The query is left alone.
func maskSegment(path, key, mask string) string {
	end := strcspn(path, "?#")
	segs := strings.Split(path[:end], "/")
	for i, seg := range segs {
		if seg == key {
			segs[i] = mask
		}
	}
	return strings.Join(segs, "/") + path[end:]
}

func maskParam(s, param, mask string) string {
	i := strings.Index(s, param)
	if i == -1 {
		return s
	}
	start := i + len(param)
	end := start + strcspn(s[start:], "&#")
	return s[:start] + mask + s[end:]
}

// isPort accepts decimal 0-65535 without leading zeros.
func isPort(s string) bool {
	if len(s) > 1 && s[0] == '0' {
		return false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return false
	}
	return n >= 0 && n <= 65535
}
