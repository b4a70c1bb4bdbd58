package response

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultRedirectLimit bounds recursion through administrative status
// redirects.
const DefaultRedirectLimit = 3

// Redirects maps status codes to internal redirect targets registered by
// the administrator. A code remapped to a URL is served by re-dispatching
// the request to that URL instead of rendering the stock notice.
type Redirects struct {
	mu      sync.RWMutex
	targets map[int]string
	maxHops int
	logger  *zap.Logger
}

// NewRedirects creates an empty redirect map. maxHops bounds nested
// redirects; non-positive values use the default.
func NewRedirects(maxHops int, logger *zap.Logger) *Redirects {
	if maxHops <= 0 {
		maxHops = DefaultRedirectLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redirects{
		targets: make(map[int]string),
		maxHops: maxHops,
		logger:  logger,
	}
}

// Register remaps a status code to a target URL. An empty target removes
// the mapping.
func (r *Redirects) Register(status int, target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if target == "" {
		delete(r.targets, status)
		return
	}
	r.targets[status] = target
}

// Lookup returns the redirect target for a status. hops counts the
// redirects already taken for this request; beyond the limit the redirect
// is suppressed and an error logged.
func (r *Redirects) Lookup(status, hops int) (string, bool) {
	r.mu.RLock()
	target, ok := r.targets[status]
	limit := r.maxHops
	r.mu.RUnlock()
	if !ok {
		return "", false
	}
	if hops >= limit {
		r.logger.Error("return: failed to redirect, exceeded recursion limit",
			zap.Int("status", status),
			zap.String("url", target),
			zap.Int("limit", limit),
		)
		return "", false
	}
	return target, true
}

// NoticeOptions shape the stock error page.
type NoticeOptions struct {
	ServerName   string
	StealthMode  bool // suppress the server footer
	MinSize      int  // pad the body to defeat browser "friendly" pages
	NoticeDetail string
}

// ReturnNotice renders a minimal HTML notice page for a status code. It
// is the fallback when no notice template or redirect is registered.
func (c *Conn) ReturnNotice(status int, title, notice string, opts NoticeOptions) error {
	if title == "" {
		title = StatusPhrase(status)
	}
	var sb strings.Builder
	sb.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<title>")
	sb.WriteString(title)
	sb.WriteString("</title>\n</head>\n<body>\n<h2>")
	sb.WriteString(title)
	sb.WriteString("</h2>\n")
	if notice != "" {
		sb.WriteString("<p>")
		sb.WriteString(notice)
		sb.WriteString("</p>\n")
	}
	if opts.NoticeDetail != "" && !opts.StealthMode {
		sb.WriteString("<p>")
		sb.WriteString(opts.NoticeDetail)
		sb.WriteString("</p>\n")
	}
	if !opts.StealthMode && opts.ServerName != "" {
		fmt.Fprintf(&sb, "<hr>\n<address>%s</address>\n", opts.ServerName)
	}

	// Some browsers replace short error bodies with their own page;
	// pad below the configured minimum with comment filler.
	for sb.Len() < opts.MinSize {
		sb.WriteString("<!-- padding to workaround browser-specific behavior -->\n")
	}
	sb.WriteString("</body>\n</html>\n")

	c.SetStatus(status)
	c.SetContentType("text/html; charset=utf-8")
	if _, err := c.Write([]byte(sb.String())); err != nil {
		return err
	}
	return c.Close()
}

// ReturnStatus finishes the response with a bare status and no body
// beyond the empty-length header.
func (c *Conn) ReturnStatus(status int) error {
	c.SetStatus(status)
	c.SetLength(0)
	return c.Close()
}

// ReturnUnauthorized sends a 401 with the basic challenge for realm.
func (c *Conn) ReturnUnauthorized(realm string, opts NoticeOptions) error {
	c.headers.Set("WWW-Authenticate", `Basic realm="`+realm+`"`)
	return c.ReturnNotice(http.StatusUnauthorized, "Access Denied",
		"The requested URL cannot be accessed because a valid username and password are required.", opts)
}

// ReturnRedirect sends a client redirect to location.
func (c *Conn) ReturnRedirect(status int, location string, opts NoticeOptions) error {
	c.headers.Set("Location", location)
	return c.ReturnNotice(status, "Redirection",
		`The requested URL has moved <a href="`+location+`">here</a>.`, opts)
}

// NotModifiedSince implements the checkmodifiedsince conditional: true
// when the client's If-Modified-Since matches or postdates mtime.
func NotModifiedSince(reqHeader http.Header, mtime time.Time) bool {
	ims, err := http.ParseTime(reqHeader.Get("If-Modified-Since"))
	if err != nil {
		return false
	}
	return !mtime.Truncate(time.Second).After(ims)
}
