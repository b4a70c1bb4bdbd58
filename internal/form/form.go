// Package form parses URL-encoded and multipart/form-data request bodies.
//
// Values are decoded through the connection's URL charset. When decoding
// fails on invalid UTF-8 the whole form is re-parsed once through the
// fallback charset; if that fails too the form is rejected. Multipart
// bodies honor the HTML5 "_charset_" field: a non-UTF-8 default charset
// restarts parsing from the first boundary with that charset as the value
// decoder. File parts are recorded as offsets into the original body, the
// bytes are not copied.
package form

import (
	"bytes"
	"net/url"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/text/encoding"

	"servcore/internal/mimetype"
	apperrors "servcore/pkg/errors"
)

// FallbackCharsetDefault is used for URL-encoded forms when no fallback
// charset is configured.
const FallbackCharsetDefault = "iso-8859-1"

// File records the parts uploaded under one field name. The three slices
// are parallel: header set, offset into the request body, and size.
type File struct {
	Headers []map[string]string
	Offsets []int
	Sizes   []int
}

// Form is the parsed result: the query set plus file bookkeeping.
type Form struct {
	Values url.Values
	Files  map[string]*File
}

// NewForm returns an empty form.
func NewForm() *Form {
	return &Form{
		Values: make(url.Values),
		Files:  make(map[string]*File),
	}
}

// Clear releases the parsed values and the file-part bookkeeping.
func (f *Form) Clear() {
	f.Values = make(url.Values)
	f.Files = make(map[string]*File)
}

// Parser decodes forms using the registry's codecs.
type Parser struct {
	registry *mimetype.Registry
	logger   *zap.Logger
}

// NewParser creates a form parser.
func NewParser(registry *mimetype.Registry, logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{registry: registry, logger: logger}
}

// ParseQueryString decodes URL-encoded key=value pairs into a set. On a
// decode failure the parse is retried once through fallbackCharset; on a
// second failure the form is rejected with an invalid-UTF-8 error.
// translate removes CR characters from values, undoing the CRLF
// normalisation browsers apply to POST bodies.
func (p *Parser) ParseQueryString(raw, charset, fallbackCharset string, translate bool) (url.Values, error) {
	enc := p.codec(charset)
	values, err := p.parseQuery(raw, enc, translate)
	if err == nil {
		return values, nil
	}

	if fallbackCharset == "" {
		fallbackCharset = FallbackCharsetDefault
	}
	fallback := p.codec(fallbackCharset)
	if fallback == nil || fallbackCharset == charset {
		return nil, err
	}
	p.logger.Info("form: retry parse with fallback charset",
		zap.String("charset", fallbackCharset))
	// The output set is rebuilt from scratch on the retry pass.
	values, err2 := p.parseQuery(raw, fallback, translate)
	if err2 != nil {
		return nil, err
	}
	return values, nil
}

func (p *Parser) parseQuery(raw string, enc encoding.Encoding, translate bool) (url.Values, error) {
	values := make(url.Values)
	for _, token := range strings.Split(raw, "&") {
		if token == "" {
			continue
		}
		keyPart, valPart, hasValue := strings.Cut(token, "=")
		key, err := decodeComponent(keyPart, enc)
		if err != nil {
			return nil, err
		}
		value := ""
		if hasValue {
			value, err = decodeComponent(valPart, enc)
			if err != nil {
				return nil, err
			}
			if translate {
				value = strings.ReplaceAll(value, "\r", "")
			}
		}
		values.Add(key, value)
	}
	return values, nil
}

// decodeComponent percent-decodes one key or value and converts the raw
// bytes to UTF-8 through the given codec.
func decodeComponent(s string, enc encoding.Encoding) (string, error) {
	var buf bytes.Buffer
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '+':
			buf.WriteByte(' ')
		case '%':
			if i+2 >= len(s) {
				return "", apperrors.NewBadRequest("truncated percent escape")
			}
			hi, ok1 := unhex(s[i+1])
			lo, ok2 := unhex(s[i+2])
			if !ok1 || !ok2 {
				return "", apperrors.NewBadRequest("invalid percent escape")
			}
			buf.WriteByte(hi<<4 | lo)
			i += 2
		default:
			buf.WriteByte(c)
		}
	}
	return bytesToUTF8(buf.Bytes(), enc)
}

// bytesToUTF8 converts raw bytes to UTF-8. A nil codec means the bytes
// are already expected to be UTF-8 and are validated as such.
func bytesToUTF8(raw []byte, enc encoding.Encoding) (string, error) {
	if enc == nil {
		if !utf8.Valid(raw) {
			return "", apperrors.NewInvalidUTF8("content contains invalid UTF-8")
		}
		return string(raw), nil
	}
	out, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		return "", apperrors.NewInvalidUTF8("content cannot be decoded")
	}
	return string(out), nil
}

// codec maps a charset name to a codec; UTF-8 maps to nil, which selects
// plain validation.
func (p *Parser) codec(charset string) encoding.Encoding {
	if charset == "" || p.registry.IsUTF8(charset) {
		return nil
	}
	return p.registry.CodecForCharset(charset)
}

func unhex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// EncodeQueryComponent percent-encodes a string for use in a query. The
// decoder inverts it exactly.
func EncodeQueryComponent(s string) string {
	const hex = "0123456789ABCDEF"
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9',
			c == '-' || c == '.' || c == '_' || c == '~':
			sb.WriteByte(c)
		case c == ' ':
			sb.WriteByte('+')
		default:
			sb.WriteByte('%')
			sb.WriteByte(hex[c>>4])
			sb.WriteByte(hex[c&0xf])
		}
	}
	return sb.String()
}
