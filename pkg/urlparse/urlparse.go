// Package urlparse splits URLs into their RFC 3986 components.
//
// Unlike net/url, the parser keeps the distinction between an absent
// component and an empty one, splits the last path segment off as the
// "tail", and offers a strict mode that validates each component against
// the RFC character classes.
package urlparse

import (
	"strings"

	apperrors "servcore/pkg/errors"
)

// Opt is an optional URL component: Set distinguishes "absent" from
// "present but empty".
type Opt struct {
	Value string
	Set   bool
}

func opt(s string) Opt { return Opt{Value: s, Set: true} }

// URL holds the eight components of a parsed URL.
//
//	foo://user@example.com:8042/over/there?name=ferret#nose
//	\_/   \__/ \_________/ \__/ \___/\___/ \_________/ \__/
//	scheme userinfo host   port path tail     query   fragment
type URL struct {
	Scheme   Opt
	UserInfo Opt
	Host     Opt
	Port     Opt
	Path     Opt // path segments before the tail, no leading/trailing slash
	Tail     Opt // last path segment
	Query    Opt
	Fragment Opt
}

// Character-class tables per RFC 3986. Percent is accepted by range only;
// the two digits following it are not checked.
var (
	schemeChars   [256]bool
	pathChars     [256]bool
	fragmentChars [256]bool
	userinfoChars [256]bool
)

func init() {
	set := func(tab *[256]bool, chars string) {
		for i := range chars {
			tab[chars[i]] = true
		}
	}
	const alnum = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	const subDelims = "!$&'()*+,;="

	set(&schemeChars, alnum+"+-.")
	set(&pathChars, alnum+subDelims+"-._~%:@")
	set(&fragmentChars, alnum+subDelims+"-._~%:@/?")
	set(&userinfoChars, alnum+subDelims+"-._~%:")
}

// Parse splits a URL. In strict mode each present component is validated
// against its character class; non-strict mode is permissive but still
// rejects a colon before the first slash in authority-less input.
func Parse(raw string, strict bool) (*URL, error) {
	u := &URL{}
	rest := raw

	// Scheme runs up to the first colon and must start alphabetic. It is
	// accepted only when an authority ("//") follows the colon; otherwise
	// the input is authority-less and the colon check below applies.
	if len(rest) > 0 && isAlpha(rest[0]) {
		i := 1
		for i < len(rest) && schemeChars[rest[i]] {
			i++
		}
		if i < len(rest) && rest[i] == ':' && strings.HasPrefix(rest[i+1:], "//") {
			u.Scheme = opt(rest[:i])
			rest = rest[i+1:]
		}
	}
	if !u.Scheme.Set && len(rest) > 0 && !strings.ContainsAny(rest[:1], "/?#") {
		// Relative URL heuristic: a colon before the first slash would
		// have been a scheme we did not accept.
		for i := 0; i < len(rest) && rest[i] != '/'; i++ {
			if rest[i] == ':' {
				return nil, apperrors.NewBadRequest("invalid scheme")
			}
		}
	}

	if strings.HasPrefix(rest, "//") {
		rest = rest[2:]
		u.Path = opt("")
		u.Tail = opt("")

		authority := rest
		if i := strings.IndexAny(rest, "/?#"); i >= 0 {
			authority = rest[:i]
			rest = rest[i:]
		} else {
			rest = ""
		}
		if at := strings.IndexByte(authority, '@'); at >= 0 {
			ui := authority[:at]
			if strict && !validChars(ui, &userinfoChars) {
				return nil, apperrors.NewBadRequest("userinfo contains invalid character")
			}
			u.UserInfo = opt(ui)
			authority = authority[at+1:]
		}
		host, port, err := splitHostPort(authority, strict)
		if err != nil {
			return nil, err
		}
		u.Host = opt(host)
		if port.Set {
			u.Port = port
		}
	}

	switch {
	case rest == "":
		// No path, tail, query or fragment.
	case rest[0] == '#':
		u.Fragment = opt(rest[1:])
	case rest[0] == '?':
		q := rest[1:]
		if f := strings.IndexByte(q, '#'); f >= 0 {
			u.Fragment = opt(q[f+1:])
			q = q[:f]
		}
		u.Query = opt(q)
	default:
		p := rest
		if rest[0] == '/' {
			p = rest[1:]
			u.Path = opt("")
			u.Tail = opt("")
		}
		if i := strings.IndexByte(p, '?'); i >= 0 {
			q := p[i+1:]
			p = p[:i]
			if f := strings.IndexByte(q, '#'); f >= 0 {
				u.Fragment = opt(q[f+1:])
				q = q[:f]
			}
			u.Query = opt(q)
		} else if f := strings.IndexByte(p, '#'); f >= 0 {
			u.Fragment = opt(p[f+1:])
			p = p[:f]
		}
		if rest[0] == '/' {
			if slash := strings.LastIndexByte(p, '/'); slash >= 0 {
				u.Path = opt(p[:slash])
				u.Tail = opt(p[slash+1:])
			} else {
				u.Tail = opt(p)
			}
		} else {
			// No leading slash: only the tail is defined.
			u.Tail = opt(p)
		}
	}

	if strict {
		if err := u.validate(); err != nil {
			return nil, err
		}
	}
	return u, nil
}

func (u *URL) validate() error {
	if u.Scheme.Set && !validChars(u.Scheme.Value, &schemeChars) {
		return apperrors.NewBadRequest("scheme contains invalid character")
	}
	if u.Path.Set && !validPath(u.Path.Value) {
		return apperrors.NewBadRequest("path contains invalid character")
	}
	if u.Tail.Set && !validChars(u.Tail.Value, &pathChars) {
		return apperrors.NewBadRequest("path contains invalid character")
	}
	if u.Query.Set && !validChars(u.Query.Value, &fragmentChars) {
		return apperrors.NewBadRequest("query contains invalid character")
	}
	if u.Fragment.Set && !validChars(u.Fragment.Value, &fragmentChars) {
		return apperrors.NewBadRequest("fragment contains invalid character")
	}
	return nil
}

// validPath accepts path characters plus the segment separators.
func validPath(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] != '/' && !pathChars[s[i]] {
			return false
		}
	}
	return true
}

func validChars(s string, tab *[256]bool) bool {
	for i := 0; i < len(s); i++ {
		if !tab[s[i]] {
			return false
		}
	}
	return true
}

func isAlpha(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}

// splitHostPort separates host from the optional port, handling bracketed
// IPv6 literals.
func splitHostPort(authority string, strict bool) (string, Opt, error) {
	if strings.HasPrefix(authority, "[") {
		end := strings.IndexByte(authority, ']')
		if end < 0 {
			return "", Opt{}, apperrors.NewBadRequest("invalid authority")
		}
		host := authority[1:end]
		rest := authority[end+1:]
		if rest == "" {
			return host, Opt{}, nil
		}
		if rest[0] != ':' {
			return "", Opt{}, apperrors.NewBadRequest("invalid authority")
		}
		return host, opt(rest[1:]), nil
	}
	if i := strings.LastIndexByte(authority, ':'); i >= 0 {
		port := authority[i+1:]
		if strict && !allDigits(port) {
			return "", Opt{}, apperrors.NewBadRequest("invalid authority")
		}
		return authority[:i], opt(port), nil
	}
	return authority, Opt{}, nil
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Absolute resolves a possibly relative URL against a base, filling the
// missing scheme, host and port from the base.
func Absolute(raw, base string) (string, error) {
	u, err := Parse(raw, false)
	if err != nil {
		return "", err
	}
	b, err := Parse(base, false)
	if err != nil {
		return "", err
	}
	if !u.Scheme.Set {
		u.Scheme = b.Scheme
	}
	if !u.Host.Set {
		u.Host = b.Host
		if !u.Port.Set {
			u.Port = b.Port
		}
	}
	if !u.Scheme.Set || !u.Host.Set {
		return "", apperrors.NewBadRequest("base URL incomplete")
	}

	var sb strings.Builder
	sb.WriteString(u.Scheme.Value)
	sb.WriteString("://")
	sb.WriteString(u.Host.Value)
	if u.Port.Set && u.Port.Value != "" {
		sb.WriteString(":")
		sb.WriteString(u.Port.Value)
	}
	if u.Path.Set && u.Path.Value != "" {
		sb.WriteString("/")
		sb.WriteString(u.Path.Value)
	}
	sb.WriteString("/")
	if u.Tail.Set {
		sb.WriteString(u.Tail.Value)
	}
	if u.Query.Set {
		sb.WriteString("?")
		sb.WriteString(u.Query.Value)
	}
	return sb.String(), nil
}
