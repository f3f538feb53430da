package playlist

import (
	"bufio"
	"bytes"
	"net/url"
	"path"
	"strings"
)

// SegmentExt marks a segment reference line in a variant playlist.
const SegmentExt = ".aac"

// Rewrite makes every segment reference of a variant playlist relative to the
// proxy: "<file>.aac" becomes "<variant dir path>/<file>.aac" with no scheme,
// host or leading slash. The player resolves it against the proxy URL it
// fetched the playlist from, and the segment proxy maps it back onto the CDN.
// Every other line (tags, key URIs, comments, blanks) passes through unchanged.
func Rewrite(body []byte, variantURL string) ([]byte, error) {
	u, err := url.Parse(variantURL)
	if err != nil {
		return nil, err
	}
	dir := strings.TrimPrefix(path.Dir(u.Path), "/")

	var out bytes.Buffer
	out.Grow(len(body) + 64)
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	first := true
	for sc.Scan() {
		if !first {
			out.WriteByte('\n')
		}
		first = false
		line := sc.Text()
		trim := strings.TrimSpace(line)
		if strings.HasPrefix(trim, "#") || !strings.HasSuffix(trim, SegmentExt) {
			out.WriteString(line)
			continue
		}
		out.WriteString(segmentPath(dir, trim))
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	// Preserve trailing newline if present in input.
	if len(body) > 0 && body[len(body)-1] == '\n' {
		out.WriteByte('\n')
	}
	return out.Bytes(), nil
}

func segmentPath(dir, ref string) string {
	if u, err := url.Parse(ref); err == nil && u.IsAbs() {
		return strings.TrimPrefix(u.Path, "/")
	}
	if dir == "" || dir == "." {
		return strings.TrimPrefix(ref, "/")
	}
	return dir + "/" + strings.TrimPrefix(ref, "/")
}

// SegmentLines returns the segment reference lines of a playlist in order.
func SegmentLines(body []byte) []string {
	var out []string
	for _, line := range strings.Split(string(body), "\n") {
		trim := strings.TrimSpace(line)
		if trim != "" && !strings.HasPrefix(trim, "#") && strings.HasSuffix(trim, SegmentExt) {
			out = append(out, trim)
		}
	}
	return out
}
