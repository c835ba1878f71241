package normalize

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	postIDRegex = regexp.MustCompile(`^[A-Za-z0-9]+$`)
	postKinds   = map[string]bool{"image": true, "video": true, "text": true}
)

func bareHost(h string) string {
	return strings.TrimPrefix(strings.ToLower(h), "www.")
}

// postURL rewrites a last-activity link into its canonical
// "comments/{kind}/{id}" form on the platform host.
func (n *Normalizer) postURL(raw string) Value {
	if raw == "" {
		return absent("empty")
	}
	if n.base == nil {
		return absent("no platform base url configured")
	}

	s := raw
	if !strings.Contains(s, "://") && !strings.HasPrefix(s, "/") {
		if strings.HasPrefix(bareHost(s), bareHost(n.base.Host)) {
			s = "https://" + s
		}
	}
	u, err := n.base.Parse(s)
	if err != nil {
		return absent("bad url %q", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return absent("unsupported scheme in %q", raw)
	}
	if bareHost(u.Hostname()) != bareHost(n.base.Hostname()) {
		return absent("foreign host in %q", raw)
	}

	var segs []string
	for _, seg := range strings.Split(u.Path, "/") {
		if seg == "" {
			continue
		}
		if strings.HasPrefix(strings.ToLower(seg), "reply") {
			break
		}
		segs = append(segs, seg)
	}

	var path string
	switch {
	case len(segs) >= 2 && strings.EqualFold(segs[0], "content") && postIDRegex.MatchString(segs[1]):
		path = "comments/image/" + segs[1]
	case len(segs) >= 3 && strings.EqualFold(segs[0], "comments") &&
		postKinds[strings.ToLower(segs[1])] && postIDRegex.MatchString(segs[2]):
		path = "comments/" + strings.ToLower(segs[1]) + "/" + segs[2]
	default:
		return absent("unrecognised post path %q", u.Path)
	}

	out := url.URL{Scheme: n.base.Scheme, Host: n.base.Host, Path: "/" + path}
	return present(out.String())
}

func (n *Normalizer) imageURL(raw string) Value {
	if raw == "" {
		return absent("empty")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return absent("not an absolute image url %q", raw)
	}
	return present(u.String())
}
