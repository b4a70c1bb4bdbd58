package form

import (
	"bytes"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/encoding"

	apperrors "servcore/pkg/errors"
)

// ParseMultipart parses a multipart/form-data body. contentType carries
// the boundary parameter; body is the raw request content, kept alive by
// the returned form's file offsets.
func (p *Parser) ParseMultipart(contentType string, body []byte, urlCharset string) (*Form, error) {
	boundary, ok := getBoundary(contentType)
	if !ok {
		return nil, apperrors.NewBadRequest("multipart content-type without boundary")
	}

	valueEnc := p.codec(urlCharset)
	valueEncIsUTF8 := valueEnc == nil

	for {
		f := NewForm()
		parseErr := p.parseAllParts(f, body, boundary, urlCharset, valueEnc)

		// HTML5 default-charset rule: a form entry named "_charset_"
		// that is not UTF-8 restarts the parse with that charset as
		// the value decoder.
		defaultCharset := f.Values.Get("_charset_")
		if defaultCharset != "" && !p.registry.IsUTF8(defaultCharset) {
			defaultEnc := p.registry.CodecForCharset(defaultCharset)
			if defaultEnc == nil {
				return nil, apperrors.NewBadRequest(
					"multipart form: invalid charset specified inside of form: " + defaultCharset)
			}
			if valueEncIsUTF8 || valueEnc != defaultEnc {
				valueEnc = defaultEnc
				valueEncIsUTF8 = false
				continue
			}
		}
		if parseErr != nil {
			p.logger.Warn("formdata: could not parse multipart content", zap.Error(parseErr))
			return nil, parseErr
		}
		return f, nil
	}
}

// parseAllParts walks the boundary-delimited parts. A part that fails to
// decode records the error but does not stop the walk, so a later
// "_charset_" field can still trigger the retry pass.
func (p *Parser) parseAllParts(f *Form, body []byte, boundary string, urlCharset string, valueEnc encoding.Encoding) error {
	var parseErr error
	delim := []byte(boundary)

	dStart, ok := nextBoundary(body, 0, delim)
	for ok {
		// Skip past the boundary line.
		start := dStart + len(delim)
		if start < len(body) && body[start] == '\r' {
			start++
		}
		if start < len(body) && body[start] == '\n' {
			start++
		}
		next, found := nextBoundary(body, start, delim)
		if found {
			// The byte before the delimiter ends the part.
			if err := p.parsePart(f, body, start, next-1, urlCharset, valueEnc); err != nil {
				parseErr = err
			}
		}
		dStart, ok = next, found
	}
	return parseErr
}

// parsePart handles one enclosed part: HTTP-style headers, a blank line,
// then the value bytes.
func (p *Parser) parsePart(f *Form, body []byte, start, end int, urlCharset string, valueEnc encoding.Encoding) error {
	// Trim the trailing CRLF that precedes the next boundary.
	if end > start && body[end-1] == '\n' {
		end--
	}
	if end > start && body[end-1] == '\r' {
		end--
	}

	headers := make(map[string]string)
	pos := start
	for pos < end {
		nl := bytes.IndexByte(body[pos:end], '\n')
		if nl < 0 {
			break
		}
		line := body[pos : pos+nl]
		pos += nl + 1
		if len(line) > 0 && line[len(line)-1] == '\r' {
			line = line[:len(line)-1]
		}
		if len(line) == 0 {
			// Empty line ends the header block.
			break
		}
		if colon := bytes.IndexByte(line, ':'); colon > 0 {
			name := strings.ToLower(strings.TrimSpace(string(line[:colon])))
			headers[name] = strings.TrimSpace(string(line[colon+1:]))
		}
	}

	disp, ok := headers["content-disposition"]
	if !ok {
		return nil
	}
	nameRaw, unescape, ok := getValue(disp, "name=")
	if !ok {
		return nil
	}
	keyEnc := p.codec(urlCharset)
	key, err := extToUTF8(nameRaw, keyEnc, unescape)
	if err != nil {
		return err
	}

	if filenameRaw, fileUnescape, isFile := getValue(disp, "filename="); isFile {
		filename, err := extToUTF8(filenameRaw, keyEnc, fileUnescape)
		if err != nil {
			return err
		}
		file, ok := f.Files[key]
		if !ok {
			file = &File{}
			f.Files[key] = file
		}
		// File bytes stay in place; only the location is recorded.
		file.Headers = append(file.Headers, headers)
		file.Offsets = append(file.Offsets, pos)
		file.Sizes = append(file.Sizes, end-pos)
		f.Values.Add(key, filename)
		return nil
	}

	value, err := extToUTF8(string(body[pos:end]), valueEnc, unescape)
	if err != nil {
		return err
	}
	f.Values.Add(key, value)
	return nil
}

// getBoundary extracts the boundary from a multipart content type,
// prefixed with the leading dashes.
func getBoundary(contentType string) (string, bool) {
	lower := strings.ToLower(contentType)
	if !strings.Contains(lower, "multipart/form-data") {
		return "", false
	}
	i := strings.Index(lower, "boundary=")
	if i < 0 {
		return "", false
	}
	b := contentType[i+len("boundary="):]
	if j := strings.IndexAny(b, " \t;\r\n"); j >= 0 {
		b = b[:j]
	}
	b = strings.Trim(b, `"`)
	if b == "" {
		return "", false
	}
	return "--" + b, true
}

// nextBoundary locates the start of the next delimiter at or after
// offset, by plain substring search across the body.
func nextBoundary(body []byte, offset int, delim []byte) (int, bool) {
	if offset >= len(body) {
		return 0, false
	}
	i := bytes.Index(body[offset:], delim)
	if i < 0 {
		return 0, false
	}
	return offset + i, true
}

// getValue extracts an att=value parameter from a header, supporting
// quoted and unquoted forms. For quoted values the returned unescape
// character is non-zero when a backslash-escaped quote was seen inside.
func getValue(hdr, att string) (value string, unescape byte, ok bool) {
	lower := strings.ToLower(hdr)
	i := strings.Index(lower, att)
	if i < 0 {
		return "", 0, false
	}
	s := hdr[i+len(att):]
	if s == "" {
		return "", 0, true
	}
	quote := s[0]
	if quote != '"' && quote != '\'' {
		// Unquoted: runs to the next whitespace or separator.
		end := strings.IndexAny(s, " \t;\r\n")
		if end < 0 {
			end = len(s)
		}
		return s[:end], 0, true
	}
	escaped := false
	for j := 1; j < len(s); j++ {
		if escaped {
			escaped = false
			continue
		}
		if s[j] == '\\' {
			unescape = quote
			escaped = true
			continue
		}
		if s[j] == quote {
			return s[1:j], unescape, true
		}
	}
	return s[1:], unescape, true
}

// extToUTF8 converts raw part bytes to UTF-8 and removes backslash
// escapes in front of the unescape character.
func extToUTF8(raw string, enc encoding.Encoding, unescape byte) (string, error) {
	out, err := bytesToUTF8([]byte(raw), enc)
	if err != nil {
		return "", err
	}
	if unescape != 0 {
		out = strings.ReplaceAll(out, `\`+string(unescape), string(unescape))
	}
	return out, nil
}
