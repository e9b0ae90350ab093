package avurl

import "strings"

// layout records the separators seen while splitting so join can rebuild
// the exact input.
type layout struct {
	hasScheme bool
	slashes   int
	hasAt     bool
	bracketed bool
	hasPort   bool
	junk      string // bytes between ']' and the path, if any
}

// split follows FFmpeg's av_url_split (libavformat/utils.c) without the
// fixed buffer truncation. The port stays a raw substring; callers validate it.
func split(url string) (scheme, userinfo, host, port, path string, l layout) {
	colon := strings.IndexByte(url, ':')
	if colon == -1 {
		// plain file name
		path = url
		return
	}

	l.hasScheme = true
	scheme = url[:colon]
	cur := colon + 1
	for i := 0; i < 2 && cur < len(url) && url[cur] == '/'; i++ {
		cur++
		l.slashes++
	}
	if cur == len(url) {
		return
	}

	end := cur + strcspn(url[cur:], "/?#")
	path = url[end:]
	if end == cur {
		return
	}

	// userinfo runs up to the last '@' of the authority
	if at := strings.LastIndexByte(url[cur:end], '@'); at != -1 {
		l.hasAt = true
		userinfo = url[cur : cur+at]
		cur += at + 1
		if cur == len(url) {
			return
		}
	}

	if url[cur] == '[' {
		if rb := strings.IndexByte(url[cur:end], ']'); rb != -1 {
			l.bracketed = true
			host = url[cur+1 : cur+rb]
			cur += rb + 1
			switch {
			case cur == len(url):
			case url[cur] == ':':
				l.hasPort = true
				port = url[cur+1 : end]
			case cur != end:
				l.junk = url[cur:end]
			}
			return
		}
	}

	if c := strings.IndexByte(url[cur:end], ':'); c != -1 {
		l.hasPort = true
		host = url[cur : cur+c]
		port = url[cur+c+1 : end]
		return
	}
	host = url[cur:end]
	return
}

func join(scheme, userinfo, host, port, path string, l layout) string {
	var b strings.Builder
	b.WriteString(scheme)
	if l.hasScheme {
		b.WriteByte(':')
	}
	b.WriteString(strings.Repeat("/", l.slashes))
	b.WriteString(userinfo)
	if l.hasAt {
		b.WriteByte('@')
	}
	if l.bracketed {
		b.WriteString("[" + host + "]")
	} else {
		b.WriteString(host)
	}
	if l.hasPort {
		b.WriteByte(':')
	}
	b.WriteString(port)
	b.WriteString(l.junk)
	b.WriteString(path)
	return b.String()
}

func strcspn(s, reject string) int {
	if i := strings.IndexAny(s, reject); i != -1 {
		return i
	}
	return len(s)
}
