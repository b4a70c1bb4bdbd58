// Package mimetype maps file extensions to content types and charset
// names to text codecs.
//
// The registry starts from a built-in table covering the common web types
// and is extended from configuration. Codec handles are loaded lazily
// through the IANA index; concurrent loaders of the same charset coalesce
// on a per-name sentinel so each codec is resolved at most once.
package mimetype

import (
	"path"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/unicode"
)

// TypeDefault is returned for unknown extensions.
const TypeDefault = "*/*"

// Registry holds the extension, charset-alias and codec tables for one
// engine instance.
type Registry struct {
	mu          sync.Mutex
	types       map[string]string // ".ext" -> content type
	charsets    map[string]string // lowercased charset -> codec name
	encnames    map[string]string // codec name -> preferred charset
	codecs      map[string]*codecEntry
	defaultType string
	noExtType   string
	logger      *zap.Logger
}

// codecEntry is a codec cache slot; ready is closed once the load
// finished, successfully or not.
type codecEntry struct {
	ready chan struct{}
	enc   encoding.Encoding
}

// builtinTypes is the abridged core of the classic extension table.
var builtinTypes = map[string]string{
	".adp":   "text/html",
	".htm":   "text/html",
	".html":  "text/html",
	".shtml": "text/html",
	".txt":   "text/plain",
	".text":  "text/plain",
	".csv":   "text/csv",
	".css":   "text/css",
	".xml":   "text/xml",
	".xsl":   "text/xml",
	".js":    "text/javascript",
	".json":  "application/json",
	".atom":  "application/atom+xml",
	".rss":   "application/rss+xml",
	".pdf":   "application/pdf",
	".ps":    "application/postscript",
	".zip":   "application/zip",
	".gz":    "application/gzip",
	".tar":   "application/x-tar",
	".doc":   "application/msword",
	".xls":   "application/vnd.ms-excel",
	".bin":   "application/octet-stream",
	".exe":   "application/octet-stream",
	".gif":   "image/gif",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".png":   "image/png",
	".svg":   "image/svg+xml",
	".ico":   "image/x-icon",
	".bmp":   "image/bmp",
	".tif":   "image/tiff",
	".tiff":  "image/tiff",
	".au":    "audio/basic",
	".wav":   "audio/x-wav",
	".mp3":   "audio/mpeg",
	".ogg":   "audio/ogg",
	".mp4":   "video/mp4",
	".mpeg":  "video/mpeg",
	".mpg":   "video/mpeg",
	".avi":   "video/x-msvideo",
	".mov":   "video/quicktime",
}

// builtinCharsets maps IANA charset names and their aliases to codec
// names understood by the IANA index.
var builtinCharsets = map[string]string{
	"utf-8":        "utf-8",
	"utf8":         "utf-8",
	"ascii":        "us-ascii",
	"us-ascii":     "us-ascii",
	"iso-8859-1":   "iso-8859-1",
	"iso_8859-1":   "iso-8859-1",
	"latin1":       "iso-8859-1",
	"iso-8859-2":   "iso-8859-2",
	"iso-8859-15":  "iso-8859-15",
	"windows-1250": "windows-1250",
	"windows-1251": "windows-1251",
	"windows-1252": "windows-1252",
	"cp1252":       "windows-1252",
	"koi8-r":       "koi8-r",
	"shift_jis":    "shift_jis",
	"shift-jis":    "shift_jis",
	"euc-jp":       "euc-jp",
	"euc-kr":       "euc-kr",
	"gb2312":       "gb2312",
	"big5":         "big5",
	"iso-2022-jp":  "iso-2022-jp",
	"macintosh":    "macintosh",
	"windows-1254": "windows-1254",
	"iso-8859-9":   "iso-8859-9",
}

// NewRegistry creates a registry seeded with the built-in tables.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		types:       make(map[string]string, len(builtinTypes)),
		charsets:    make(map[string]string, len(builtinCharsets)),
		encnames:    make(map[string]string),
		codecs:      make(map[string]*codecEntry),
		defaultType: TypeDefault,
		noExtType:   TypeDefault,
		logger:      logger,
	}
	for ext, mimeType := range builtinTypes {
		r.AddType(ext, mimeType)
	}
	// Canonical names (charset equal to the codec name) go first so they
	// become the preferred charset of their codec; aliases follow.
	for charset, name := range builtinCharsets {
		if charset == name {
			r.AddCharset(charset, name)
		}
	}
	for charset, name := range builtinCharsets {
		if charset != name {
			r.AddCharset(charset, name)
		}
	}
	return r
}

// SetDefaults overrides the types used for unknown extensions and for
// files without an extension. Empty strings keep the built-in default.
func (r *Registry) SetDefaults(defaultType, noExtType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if defaultType != "" {
		r.defaultType = defaultType
	}
	if noExtType != "" {
		r.noExtType = noExtType
	}
}

// AddType registers an extension to content-type mapping. Extensions are
// matched case-insensitively and may be given with or without the dot.
func (r *Registry) AddType(ext, mimeType string) {
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[strings.ToLower(ext)] = mimeType
}

// AddCharset registers a charset alias for a codec name, in both
// directions. The first charset registered for a codec becomes its
// preferred name.
func (r *Registry) AddCharset(charset, name string) {
	charset = strings.ToLower(charset)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.charsets[charset] = name
	if _, ok := r.encnames[name]; !ok {
		r.encnames[name] = charset
	}
}

// TypeForFile returns the content type for a file name based on its
// extension.
func (r *Registry) TypeForFile(file string) string {
	ext := strings.ToLower(path.Ext(path.Base(file)))
	r.mu.Lock()
	defer r.mu.Unlock()
	if ext == "" {
		return r.noExtType
	}
	if t, ok := r.types[ext]; ok {
		return t
	}
	return r.defaultType
}

// CharsetOf extracts the charset parameter from a content-type value,
// lowercased, or "" when absent.
func CharsetOf(contentType string) string {
	for _, part := range strings.Split(contentType, ";")[1:] {
		part = strings.TrimSpace(part)
		if rest, ok := strings.CutPrefix(strings.ToLower(part), "charset="); ok {
			return strings.ToLower(strings.Trim(rest, `"`))
		}
	}
	return ""
}

// CharsetName returns the preferred charset for a codec name.
func (r *Registry) CharsetName(codecName string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cs, ok := r.encnames[codecName]; ok {
		return cs
	}
	return codecName
}

// CodecForCharset resolves a charset (or alias) to its codec, loading it
// on first use. Unknown or unloadable charsets return nil.
func (r *Registry) CodecForCharset(charset string) encoding.Encoding {
	charset = strings.ToLower(strings.TrimSpace(charset))
	if charset == "" {
		return nil
	}

	r.mu.Lock()
	name, ok := r.charsets[charset]
	if !ok {
		// Not an alias we know; try the raw name against the index.
		name = charset
	}
	e, ok := r.codecs[name]
	if ok {
		r.mu.Unlock()
		// Another goroutine owns the load; wait for it to finish.
		<-e.ready
		return e.enc
	}
	e = &codecEntry{ready: make(chan struct{})}
	r.codecs[name] = e
	r.mu.Unlock()

	e.enc = loadCodec(name)
	if e.enc == nil {
		r.logger.Warn("encoding: could not load", zap.String("charset", name))
	} else {
		r.logger.Debug("encoding: loaded", zap.String("charset", name))
	}
	close(e.ready)
	return e.enc
}

// IsUTF8 reports whether the charset names the UTF-8 codec.
func (r *Registry) IsUTF8(charset string) bool {
	switch strings.ToLower(strings.TrimSpace(charset)) {
	case "", "utf-8", "utf8":
		return true
	}
	return false
}

func loadCodec(name string) encoding.Encoding {
	if name == "utf-8" {
		return unicode.UTF8
	}
	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil || enc == nil {
		return nil
	}
	return enc
}
