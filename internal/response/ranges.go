package response

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// ByteRange is one satisfiable range of a response body.
type ByteRange struct {
	Start int64
	End   int64 // inclusive
}

// Len returns the number of bytes in the range.
func (r ByteRange) Len() int64 { return r.End - r.Start + 1 }

// ParseRange interprets a Range header against a body of the given size.
// It returns the satisfiable ranges, capped at maxRanges, or nil when the
// header is absent, malformed, or nothing is satisfiable.
func ParseRange(header string, size int64, maxRanges int) []ByteRange {
	rest, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !ok || size <= 0 {
		return nil
	}
	var ranges []ByteRange
	for _, part := range strings.Split(rest, ",") {
		if len(ranges) >= maxRanges {
			break
		}
		part = strings.TrimSpace(part)
		startStr, endStr, found := strings.Cut(part, "-")
		if !found {
			return nil
		}
		var r ByteRange
		if startStr == "" {
			// Suffix form: the final N bytes.
			n, err := strconv.ParseInt(endStr, 10, 64)
			if err != nil || n <= 0 {
				continue
			}
			if n > size {
				n = size
			}
			r = ByteRange{Start: size - n, End: size - 1}
		} else {
			start, err := strconv.ParseInt(startStr, 10, 64)
			if err != nil || start < 0 {
				return nil
			}
			if start >= size {
				// Unsatisfiable first position.
				continue
			}
			end := size - 1
			if endStr != "" {
				end, err = strconv.ParseInt(endStr, 10, 64)
				if err != nil || end < start {
					continue
				}
				if end >= size {
					end = size - 1
				}
			}
			r = ByteRange{Start: start, End: end}
		}
		ranges = append(ranges, r)
	}
	return ranges
}

// WriteRanges answers a buffered response honoring the client's Range
// header: a single range yields 206 with Content-Range, several yield a
// multipart/byteranges body with a generated boundary, and an
// unsatisfiable or absent header falls back to the 200 full body.
func (c *Conn) WriteRanges(data []byte, contentType string) error {
	size := int64(len(data))
	ranges := ParseRange(c.req.Header.Get("Range"), size, c.opts.MaxRanges)

	switch len(ranges) {
	case 0:
		c.SetContentType(contentType)
		if _, err := c.Write(data); err != nil {
			return err
		}
		return c.Close()

	case 1:
		r := ranges[0]
		c.SetStatus(http.StatusPartialContent)
		c.SetContentType(contentType)
		c.headers.Set("Content-Range",
			fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, size))
		c.SetLength(r.Len())
		if _, err := c.Write(data[r.Start : r.End+1]); err != nil {
			return err
		}
		return c.Close()

	default:
		boundary := strings.ReplaceAll(uuid.NewString(), "-", "")
		c.SetStatus(http.StatusPartialContent)
		c.SetContentType("multipart/byteranges; boundary=" + boundary)

		var body []byte
		for _, r := range ranges {
			body = append(body, "\r\n--"+boundary+"\r\n"...)
			body = append(body, "Content-Type: "+contentType+"\r\n"...)
			body = append(body,
				fmt.Sprintf("Content-Range: bytes %d-%d/%d\r\n\r\n", r.Start, r.End, size)...)
			body = append(body, data[r.Start:r.End+1]...)
		}
		body = append(body, "\r\n--"+boundary+"--\r\n"...)

		c.SetLength(int64(len(body)))
		if _, err := c.Write(body); err != nil {
			return err
		}
		return c.Close()
	}
}
