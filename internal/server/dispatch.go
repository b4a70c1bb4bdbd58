package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"servcore/internal/form"
	"servcore/internal/mimetype"
	"servcore/internal/pool"
	"servcore/internal/response"
	apperrors "servcore/pkg/errors"
)

// IncomingRequest is what the network driver hands to Serve: a parsed
// request head plus the buffered body.
type IncomingRequest struct {
	Method string
	RawURL string
	Major  int
	Minor  int
	Header http.Header
	Body   []byte
	Peer   string
}

// RequestCtx is the per-request state visible to filters and handlers.
type RequestCtx struct {
	Method  string
	URLPath string
	Query   string
	Header  http.Header
	Body    []byte
	Peer    string
	User    string

	Resp   *response.Conn
	Server *Server

	form     *form.Form
	formErr  error
	hasForm  bool
	hops     int
	incoming *IncomingRequest
	routerW  http.ResponseWriter
}

// Serve admits one request into its pool and blocks until the response
// is complete, so the driver can reuse or tear down the socket. Admission
// rejection is answered here with 503 and the advisory Retry-After.
func (s *Server) Serve(wire io.Writer, req *IncomingRequest) error {
	p := s.poolFor(requestPath(req.RawURL))
	qr := &queuedRequest{wire: wire, req: req, done: make(chan struct{})}
	if err := p.Queue(qr); err != nil {
		s.rejectOverload(wire, req, p)
		return err
	}
	<-qr.done
	return nil
}

// rejectOverload answers a request refused by admission control.
func (s *Server) rejectOverload(wire io.Writer, req *IncomingRequest, p *pool.Pool) {
	conn := s.newResponseConn(wire, req)
	if retryAfter := p.Config().RetryAfter; retryAfter > 0 {
		conn.Header().Set("Retry-After",
			strconv.FormatInt(int64(retryAfter.Seconds()), 10))
	}
	_ = conn.ReturnNotice(http.StatusServiceUnavailable, "",
		"The requested URL cannot be accessed at this time.", s.noticeOptions())
}

func (s *Server) noticeOptions() response.NoticeOptions {
	return response.NoticeOptions{
		ServerName:  s.cfg.Name + "/" + s.cfg.Version,
		StealthMode: s.cfg.StealthMode,
		MinSize:     s.cfg.ErrorMinSize,
	}
}

func (s *Server) newResponseConn(wire io.Writer, req *IncomingRequest) *response.Conn {
	return response.NewConn(wire, response.Request{
		Major:  req.Major,
		Minor:  req.Minor,
		Method: req.Method,
		Header: req.Header,
	}, response.Options{
		ServerName:    s.cfg.Name,
		ServerVersion: s.cfg.Version,
		ExtraHeaders:  s.cfg.ExtraHeaders,
		DriverHeaders: s.cfg.DriverHeaders,
		KeepAlive:     s.cfg.KeepAlive,
		GzipEnabled:   s.cfg.CompressEnable,
		GzipMinSize:   s.cfg.CompressMinSize,
		GzipLevel:     s.cfg.CompressLevel,
		HeaderCase:    s.cfg.HeaderCase,
		MaxRanges:     s.cfg.MaxRanges,
	})
}

// dispatch runs the full pipeline for one dequeued connection: pre-auth
// filters, the authorization chains, post-auth filters, the handler, the
// trace filters and close.
func (s *Server) dispatch(wire io.Writer, req *IncomingRequest, conn *pool.Conn) {
	_, span := s.tracer.Start(requestContext(req), "server.dispatch")
	defer span.End()

	urlPath := requestPath(req.RawURL)
	rc := &RequestCtx{
		Method:   req.Method,
		URLPath:  urlPath,
		Query:    requestQuery(req.RawURL),
		Header:   req.Header,
		Body:     req.Body,
		Peer:     req.Peer,
		Resp:     s.newResponseConn(wire, req),
		Server:   s,
		incoming: req,
	}

	tracePhase := true
	defer func() {
		if tracePhase {
			s.filters.Run(rc, FilterTrace)
		}
		s.filters.RunVoidTrace(rc)
		_ = rc.Resp.Close()
	}()

	switch s.filters.Run(rc, FilterPreAuth) {
	case FilterReturn:
		return
	case FilterBreak, FilterOK:
	}

	user, pass := credentials(req.Header)
	switch s.auth.AuthorizeRequest(req.Method, urlPath, user, pass, req.Peer) {
	case AuthUnauthorized:
		_ = rc.Resp.ReturnUnauthorized(s.cfg.Realm, s.noticeOptions())
		return
	case AuthForbidden:
		s.renderError(rc, http.StatusForbidden)
		return
	case AuthError:
		s.renderError(rc, http.StatusInternalServerError)
		return
	case AuthOK:
	}
	if user != "" {
		switch s.auth.AuthenticateUser(user, pass) {
		case AuthUnauthorized:
			_ = rc.Resp.ReturnUnauthorized(s.cfg.Realm, s.noticeOptions())
			return
		case AuthForbidden:
			s.renderError(rc, http.StatusForbidden)
			return
		case AuthError:
			s.renderError(rc, http.StatusInternalServerError)
			return
		case AuthOK:
			rc.User = user
		}
	}

	switch s.filters.Run(rc, FilterPostAuth) {
	case FilterReturn:
		return
	case FilterBreak, FilterOK:
	}

	s.runHandler(rc)
}

// runHandler resolves the request through the router and executes the
// handler, honoring administrative status redirects.
func (s *Server) runHandler(rc *RequestCtx) {
	rec := s.routeRequest(rc)

	// An administrative redirect can remap the outcome to another URL,
	// bounded by the recursion limit.
	if target, ok := s.redirect.Lookup(rec.Code, rc.hops); ok {
		rc.hops++
		rc.URLPath = requestPath(target)
		rc.Query = requestQuery(target)
		s.runHandler(rc)
		return
	}

	// Replay the recorded response onto the real connection.
	for key, values := range rec.Header() {
		for _, v := range values {
			rc.Resp.Header().Add(key, v)
		}
	}
	rc.Resp.SetStatus(rec.Code)

	// Conditional GET: an unchanged resource answers 304 with no body.
	if s.cfg.CheckModifiedSince && rec.Code == http.StatusOK {
		if lm, err := http.ParseTime(rc.Resp.Header().Get("Last-Modified")); err == nil &&
			response.NotModifiedSince(rc.Header, lm) {
			rc.Resp.SetStatus(http.StatusNotModified)
			rc.Resp.SetLength(0)
			return
		}
	}
	body := rec.Body.Bytes()
	if rec.Code >= http.StatusBadRequest && len(body) == 0 {
		s.renderError(rc, rec.Code)
		return
	}
	if len(body) > 0 && rc.Resp.Header().Get("Content-Type") == "" {
		rc.Resp.SetContentType(mimetype.TypeDefault)
	}
	_, _ = rc.Resp.Write(body)
}

// routeRequest runs the chi router against a recorder so the status is
// known before any byte reaches the wire.
func (s *Server) routeRequest(rc *RequestCtx) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	target := rc.URLPath
	if rc.Query != "" {
		target += "?" + rc.Query
	}
	httpReq, err := http.NewRequest(rc.Method, target, strings.NewReader(string(rc.Body)))
	if err != nil {
		rec.Code = http.StatusBadRequest
		return rec
	}
	httpReq.Header = rc.Header
	httpReq.RemoteAddr = rc.Peer
	httpReq = httpReq.WithContext(withRequestCtx(httpReq.Context(), rc))

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panicked",
				zap.String("url", rc.URLPath),
				zap.Any("panic", r),
			)
			rec = httptest.NewRecorder()
			rec.Code = http.StatusInternalServerError
		}
	}()
	s.router.ServeHTTP(rec, httpReq)
	return rec
}

// renderError sends the stock notice page for an error status, headers
// reset.
func (s *Server) renderError(rc *RequestCtx, status int) {
	for key := range rc.Resp.Header() {
		delete(rc.Resp.Header(), key)
	}
	_ = rc.Resp.ReturnNotice(status, "", noticeText(status), s.noticeOptions())
}

func noticeText(status int) string {
	switch status {
	case http.StatusNotFound:
		return "The requested URL was not found on this server."
	case http.StatusForbidden:
		return "The requested URL cannot be accessed by this server."
	case http.StatusServiceUnavailable:
		return "The requested URL cannot be accessed at this time."
	default:
		return response.StatusPhrase(status)
	}
}

// Form parses and caches the request's query or form content. Repeated
// calls return the cached result.
func (rc *RequestCtx) Form(fallbackCharset string) (*form.Form, error) {
	if rc.hasForm {
		return rc.form, rc.formErr
	}
	rc.hasForm = true

	contentType := rc.Header.Get("Content-Type")
	charset := mimetype.CharsetOf(contentType)
	switch {
	case strings.HasPrefix(contentType, "multipart/form-data"):
		rc.form, rc.formErr = rc.Server.parser.ParseMultipart(contentType, rc.Body, charset)
	case strings.HasPrefix(contentType, "application/x-www-form-urlencoded"):
		values, err := rc.Server.parser.ParseQueryString(string(rc.Body), charset, fallbackCharset, true)
		if err == nil {
			rc.form = form.NewForm()
			rc.form.Values = values
		}
		rc.formErr = err
	default:
		values, err := rc.Server.parser.ParseQueryString(rc.Query, charset, fallbackCharset, false)
		if err == nil {
			rc.form = form.NewForm()
			rc.form.Values = values
		}
		rc.formErr = err
	}
	if rc.formErr != nil {
		rc.form = nil
		rc.formErr = apperrors.Wrap(rc.formErr, "cannot parse form data")
	}
	return rc.form, rc.formErr
}

// ClearForm drops the cached form, releasing file-part bookkeeping.
func (rc *RequestCtx) ClearForm() {
	if rc.form != nil {
		rc.form.Clear()
	}
	rc.form = nil
	rc.formErr = nil
	rc.hasForm = false
}

// handlerAdapter lets extension handlers run under the chi router.
type handlerAdapter struct {
	s        *Server
	proc     HandlerProc
	userData any
}

func (h *handlerAdapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc := requestCtxFrom(r.Context())
	if rc == nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	// Handlers write through the recorder-backed writer; the dispatch
	// layer replays it onto the wire with full pipeline semantics.
	rc.routerW = w
	h.proc(rc, h.userData)
	rc.routerW = nil
}

// WriteStatus sets the response status from a handler.
func (rc *RequestCtx) WriteStatus(status int) {
	if rc.routerW != nil {
		rc.routerW.WriteHeader(status)
		return
	}
	rc.Resp.SetStatus(status)
}

// WriteBody appends response body bytes from a handler.
func (rc *RequestCtx) WriteBody(p []byte) {
	if rc.routerW != nil {
		_, _ = rc.routerW.Write(p)
		return
	}
	_, _ = rc.Resp.Write(p)
}

// SetHeader sets a response header from a handler.
func (rc *RequestCtx) SetHeader(key, value string) {
	if rc.routerW != nil {
		rc.routerW.Header().Set(key, value)
		return
	}
	rc.Resp.Header().Set(key, value)
}

func requestPath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if u.Path == "" {
		return "/"
	}
	return u.Path
}

func requestQuery(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.RawQuery
}

// credentials extracts the request credentials: basic auth splits into
// user and password, bearer tokens travel whole in the password slot.
func credentials(h http.Header) (user, pass string) {
	authz := h.Get("Authorization")
	if authz == "" {
		return "", ""
	}
	if u, p, ok := BasicCredentials(authz); ok {
		return u, p
	}
	if strings.HasPrefix(authz, "Bearer ") {
		return "", authz
	}
	return "", ""
}
