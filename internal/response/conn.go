// Package response implements the HTTP/1.x response pipeline: header
// construction, chunked transfer encoding, gzip compression, byte-range
// responses and the keep-alive decision.
//
// A Conn wraps the wire for one response. Buffered mode collects the body
// and emits Content-Length at close; streaming mode commits headers on
// the first write and frames the body as chunks when the protocol allows
// it. Headers are emitted exactly once, before any body byte.
package response

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	apperrors "servcore/pkg/errors"
)

// HeaderCase selects the transformation applied to outgoing field names.
type HeaderCase int

const (
	HeaderCasePreserve HeaderCase = iota
	HeaderCaseToLower
	HeaderCaseToUpper
)

// DefaultMaxRanges caps the ranges honored from one Range header.
const DefaultMaxRanges = 32

// Options carries the server- and driver-level response settings.
type Options struct {
	ServerName    string
	ServerVersion string
	ExtraHeaders  map[string]string // server-level, lower priority than conn headers
	DriverHeaders map[string]string // driver-level, lowest priority
	KeepAlive     bool              // driver keep-alive enabled
	GzipEnabled   bool
	GzipMinSize   int
	GzipLevel     int
	HeaderCase    HeaderCase
	MaxRanges     int
}

// Request is the subset of request facts the pipeline consumes.
type Request struct {
	Major  int
	Minor  int
	Method string
	Header http.Header
}

// atLeast11 reports whether the request speaks HTTP/1.1 or newer.
func (r Request) atLeast11() bool {
	return r.Major > 1 || (r.Major == 1 && r.Minor >= 1)
}

// Conn drives one HTTP response.
type Conn struct {
	w    io.Writer
	req  Request
	opts Options

	status    int
	headers   http.Header
	hasLength bool
	length    int64

	keepOverride *bool

	stream      bool
	chunked     bool
	keepAlive   bool
	headersSent bool
	closed      bool

	gz       *gzip.Writer
	gzActive bool

	buf     []byte
	nSent   int64
	atClose []func()
}

// NewConn creates a response for one request. The zero status defaults to
// 200 at commit time.
func NewConn(w io.Writer, req Request, opts Options) *Conn {
	if opts.MaxRanges <= 0 {
		opts.MaxRanges = DefaultMaxRanges
	}
	return &Conn{
		w:       w,
		req:     req,
		opts:    opts,
		status:  http.StatusOK,
		headers: make(http.Header),
	}
}

// Header returns the writable per-connection output header set.
func (c *Conn) Header() http.Header { return c.headers }

// SetStatus sets the response status; it has no effect once headers are
// on the wire.
func (c *Conn) SetStatus(status int) { c.status = status }

// Status returns the response status.
func (c *Conn) Status() int { return c.status }

// SetContentType sets the Content-Type output header.
func (c *Conn) SetContentType(t string) { c.headers.Set("Content-Type", t) }

// SetLength announces the response length ahead of the body. Without it,
// buffered responses use the accumulated byte count and streamed
// HTTP/1.1 responses switch to chunked encoding.
func (c *Conn) SetLength(n int64) {
	c.hasLength = true
	c.length = n
}

// SetKeepAlive overrides the keep-alive decision for this connection.
func (c *Conn) SetKeepAlive(keep bool) { c.keepOverride = &keep }

// KeepAlive reports the decision made at header-commit time.
func (c *Conn) KeepAlive() bool { return c.keepAlive }

// Chunked reports whether the response uses chunked transfer encoding.
func (c *Conn) Chunked() bool { return c.chunked }

// ContentSent returns the number of body bytes handed to the wire.
func (c *Conn) ContentSent() int64 { return c.nSent }

// SetStreaming switches the connection to streaming delivery. Must be
// called before the first write.
func (c *Conn) SetStreaming(stream bool) { c.stream = stream }

// OnClose registers a callback to run when the response completes.
func (c *Conn) OnClose(fn func()) { c.atClose = append(c.atClose, fn) }

// Write delivers body bytes. In buffered mode the data is retained until
// Close; in streaming mode headers are committed on the first call and
// the data goes out immediately, chunk-framed when chunking is on.
func (c *Conn) Write(p []byte) (int, error) {
	if c.closed {
		return 0, apperrors.NewInternal("write on closed connection", nil)
	}
	if !c.stream {
		c.buf = append(c.buf, p...)
		return len(p), nil
	}
	if !c.headersSent {
		if err := c.commitHeaders(false); err != nil {
			return 0, err
		}
	}
	if err := c.writeBody(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close finishes the response: buffered data is compressed and framed as
// needed, streaming responses get their final chunk trailer, and at-close
// callbacks run.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	var err error
	if !c.headersSent {
		err = c.flushBuffered()
	} else {
		err = c.finishStream()
	}

	for _, fn := range c.atClose {
		fn()
	}
	return err
}

// flushBuffered emits headers plus the collected body in one shot.
func (c *Conn) flushBuffered() error {
	body := c.buf

	if c.shouldGzip(len(body)) {
		compressed, err := gzipBytes(body, c.opts.GzipLevel)
		if err == nil {
			body = compressed
			c.headers.Set("Content-Encoding", "gzip")
			c.hasLength = false
		}
	}
	if !c.hasLength {
		c.hasLength = true
		c.length = int64(len(body))
	}
	if err := c.commitHeaders(true); err != nil {
		return err
	}
	if c.suppressBody() {
		return nil
	}
	if len(body) > 0 {
		if _, err := c.w.Write(body); err != nil {
			return err
		}
		c.nSent += int64(len(body))
	}
	return nil
}

// finishStream closes the gzip stream and writes the chunked trailer.
func (c *Conn) finishStream() error {
	if c.gzActive {
		if err := c.gz.Close(); err != nil {
			return err
		}
		c.gzActive = false
	}
	if c.chunked {
		if _, err := io.WriteString(c.w, "0\r\n\r\n"); err != nil {
			return err
		}
	}
	return nil
}

// writeBody moves streamed bytes to the wire through the optional gzip
// stage and the chunk framer.
func (c *Conn) writeBody(p []byte) error {
	if c.suppressBody() {
		return nil
	}
	if c.gzActive {
		if _, err := c.gz.Write(p); err != nil {
			return err
		}
		if err := c.gz.Flush(); err != nil {
			return err
		}
		c.nSent += int64(len(p))
		return nil
	}
	return c.writeFramed(p)
}

// writeFramed emits one chunk (or the raw bytes when not chunking).
func (c *Conn) writeFramed(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if c.chunked {
		if _, err := fmt.Fprintf(c.w, "%X\r\n", len(p)); err != nil {
			return err
		}
		if _, err := c.w.Write(p); err != nil {
			return err
		}
		if _, err := io.WriteString(c.w, "\r\n"); err != nil {
			return err
		}
	} else {
		if _, err := c.w.Write(p); err != nil {
			return err
		}
	}
	c.nSent += int64(len(p))
	return nil
}

// chunkSink adapts the chunk framer into an io.Writer for gzip output.
type chunkSink struct{ c *Conn }

func (s chunkSink) Write(p []byte) (int, error) {
	if err := s.c.writeFramed(p); err != nil {
		return 0, err
	}
	// Framed bytes are transport overhead, not content.
	s.c.nSent -= int64(len(p))
	return len(p), nil
}

// commitHeaders composes and transmits the response head. lengthKnown is
// true when the caller has settled Content-Length (buffered mode).
func (c *Conn) commitHeaders(lengthKnown bool) error {
	if c.headersSent {
		return nil
	}
	c.headersSent = true

	contentType := c.headers.Get("Content-Type")
	byteranges := strings.HasPrefix(contentType, "multipart/byteranges")

	// Chunking applies to streamed responses of unknown length when the
	// client speaks HTTP/1.1 and the connection would stay open.
	if c.stream && !lengthKnown && !c.hasLength {
		if c.req.atLeast11() && c.requestKeepAlive() && !byteranges {
			c.chunked = true
			c.headers.Set("Transfer-Encoding", "chunked")
		}
	}

	c.decideKeepAlive(byteranges)
	if c.keepAlive {
		c.headers.Set("Connection", "keep-alive")
	} else {
		c.headers.Set("Connection", "close")
	}
	if c.hasLength && !c.chunked {
		c.headers.Set("Content-Length", strconv.FormatInt(c.length, 10))
	}

	// Streaming compression is set up once the headers carry the gzip
	// encoding.
	if c.stream && c.shouldGzip(0) {
		c.headers.Set("Content-Encoding", "gzip")
		gz, err := gzip.NewWriterLevel(chunkSink{c}, c.gzipLevel())
		if err == nil {
			c.gz = gz
			c.gzActive = true
		}
	}

	var sb strings.Builder

	// The status line caps the advertised protocol at HTTP/1.1.
	major, minor := c.req.Major, c.req.Minor
	if major > 1 || (major == 1 && minor > 1) {
		major, minor = 1, 1
	}
	fmt.Fprintf(&sb, "HTTP/%d.%d %d %s\r\n", major, minor, c.status, StatusPhrase(c.status))

	sb.WriteString("Server: " + c.opts.ServerName + "/" + c.opts.ServerVersion + "\r\n")
	sb.WriteString("Date: " + time.Now().UTC().Format(http.TimeFormat) + "\r\n")

	// Merge order: connection headers win over server extras, which win
	// over driver extras.
	merged := make(http.Header, len(c.headers))
	for k, vs := range c.headers {
		merged[k] = vs
	}
	for k, v := range c.opts.ExtraHeaders {
		ck := textproto.CanonicalMIMEHeaderKey(k)
		if _, ok := merged[ck]; !ok {
			merged[ck] = []string{v}
		}
	}
	for k, v := range c.opts.DriverHeaders {
		ck := textproto.CanonicalMIMEHeaderKey(k)
		if _, ok := merged[ck]; !ok {
			merged[ck] = []string{v}
		}
	}

	for key, values := range merged {
		name := c.transformHeaderName(key)
		for _, value := range values {
			sb.WriteString(name)
			sb.WriteString(": ")
			sb.WriteString(sanitizeHeaderValue(value))
			sb.WriteString("\r\n")
		}
	}
	sb.WriteString("\r\n")

	_, err := io.WriteString(c.w, sb.String())
	return err
}

// requestKeepAlive is the request-side half of the keep-alive decision:
// the driver allows it and the client's protocol plus Connection header
// imply it.
func (c *Conn) requestKeepAlive() bool {
	if !c.opts.KeepAlive {
		return false
	}
	connHeader := strings.ToLower(c.req.Header.Get("Connection"))
	if c.req.atLeast11() {
		return connHeader != "close"
	}
	return connHeader == "keep-alive"
}

// decideKeepAlive settles the Connection header: the driver must allow
// it, and either an explicit override or the combination of request
// intent, a delimited request body and a delimited response chooses it.
func (c *Conn) decideKeepAlive(byteranges bool) {
	if !c.opts.KeepAlive {
		c.keepAlive = false
		return
	}
	if c.keepOverride != nil {
		c.keepAlive = *c.keepOverride
		return
	}
	if !c.requestKeepAlive() {
		c.keepAlive = false
		return
	}
	// The request body must have a known length (or be absent) for the
	// connection to be reusable.
	if c.req.Header.Get("Transfer-Encoding") != "" &&
		c.req.Header.Get("Content-Length") == "" {
		c.keepAlive = false
		return
	}
	c.keepAlive = c.chunked || c.hasLength || byteranges
}

// suppressBody reports whether the response must not carry a body.
func (c *Conn) suppressBody() bool {
	if strings.EqualFold(c.req.Method, "HEAD") {
		return true
	}
	return c.status < 200 || c.status == http.StatusNoContent ||
		c.status == http.StatusNotModified
}

// shouldGzip evaluates the compression gate for a body of the given
// buffered size (ignored when streaming).
func (c *Conn) shouldGzip(bodyLen int) bool {
	if !c.opts.GzipEnabled || c.headersSent && !c.stream || c.suppressBody() {
		return false
	}
	if c.headers.Get("Content-Encoding") != "" {
		return false
	}
	if !acceptsGzip(c.req.Header.Get("Accept-Encoding")) {
		return false
	}
	c.headers.Set("Vary", "Accept-Encoding")
	if c.stream {
		return true
	}
	return bodyLen >= c.opts.GzipMinSize
}

func (c *Conn) gzipLevel() int {
	if c.opts.GzipLevel <= 0 || c.opts.GzipLevel > gzip.BestCompression {
		return gzip.DefaultCompression
	}
	return c.opts.GzipLevel
}

func (c *Conn) transformHeaderName(name string) string {
	switch c.opts.HeaderCase {
	case HeaderCaseToLower:
		return strings.ToLower(name)
	case HeaderCaseToUpper:
		return strings.ToUpper(name)
	}
	return name
}

// sanitizeHeaderValue defeats response splitting by inserting a TAB after
// every newline in a header value.
func sanitizeHeaderValue(value string) string {
	if !strings.Contains(value, "\n") {
		return value
	}
	return strings.ReplaceAll(value, "\n", "\n\t")
}

func acceptsGzip(acceptEncoding string) bool {
	for _, part := range strings.Split(acceptEncoding, ",") {
		token := strings.TrimSpace(part)
		if i := strings.IndexByte(token, ';'); i >= 0 {
			token = strings.TrimSpace(token[:i])
		}
		if strings.EqualFold(token, "gzip") {
			return true
		}
	}
	return false
}

func gzipBytes(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	if level <= 0 || level > gzip.BestCompression {
		level = gzip.DefaultCompression
	}
	gz, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := gz.Write(data); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
