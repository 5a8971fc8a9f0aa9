package host

import (
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

const (
	SchemeHTTP     = "http"
	SchemeHTTPS    = "https"
	SchemeGuest    = "guest"
	SchemeInternal = "internal"
	SchemeDevTools = "devtools"
)

// Site is a normalized origin key: scheme plus registrable domain, e.g.
// "https://example.co.uk".
type Site string

// PartitionID names a storage partition.
type PartitionID string

const DefaultPartition PartitionID = ""

// BrowsingContext scopes hosts and the site map. Hosts are never shared
// across contexts.
type BrowsingContext struct {
	Name string
}

func NewBrowsingContext(name string) *BrowsingContext {
	return &BrowsingContext{Name: name}
}

// SiteForURL derives the site of raw. It returns "" for input that has no
// usable scheme.
func SiteForURL(raw string) Site {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" {
		return ""
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())

	switch scheme {
	case SchemeHTTP, SchemeHTTPS:
		if host == "" {
			return ""
		}
		if net.ParseIP(host) == nil {
			if domain, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
				host = domain
			}
		}
	case SchemeGuest, SchemeInternal, SchemeDevTools:
		if host == "" {
			host = strings.ToLower(strings.Trim(u.Opaque, "/"))
		}
	}

	if host == "" {
		return Site(scheme + ":")
	}
	return Site(scheme + "://" + host)
}

func (s Site) Scheme() string {
	scheme, _, _ := strings.Cut(string(s), ":")
	return scheme
}

func (s Site) Host() string {
	_, rest, ok := strings.Cut(string(s), "://")
	if !ok {
		return ""
	}
	return rest
}

func (s Site) IsGuest() bool { return s.Scheme() == SchemeGuest }

// RequiresPrivilegedBindings reports whether content from s needs a host with
// privileged bindings.
func (s Site) RequiresPrivilegedBindings() bool {
	switch s.Scheme() {
	case SchemeInternal, SchemeDevTools:
		return true
	}
	return false
}

func (s Site) String() string { return string(s) }
