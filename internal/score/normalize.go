package score

import (
	"regexp"
	"strings"
)

// methodAliases maps messaging-protocol abbreviations to their full form.
var methodAliases = map[string]string{
	"SUB": "subscribe",
	"PUB": "publish",
}

var (
	colonParam = regexp.MustCompile(`:(\w+)`)
	angleParam = regexp.MustCompile(`<(\w+)>`)
	nonAlphaRe = regexp.MustCompile(`[^A-Z]`)
	versionSeg = regexp.MustCompile(`^v\d`)
	numericSeg = regexp.MustCompile(`^\d+$`)
	fileExtSeg = regexp.MustCompile(`\.\w+$`)
)

// NormalizePath canonicalizes an endpoint path or channel name:
// path parameter syntax is collapsed ({id}, :id and <id> are equivalent)
// and trailing slashes are stripped.
func NormalizePath(p string) string {
	p = strings.TrimSpace(p)
	p = colonParam.ReplaceAllString(p, "{$1}")
	p = angleParam.ReplaceAllString(p, "{$1}")
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	return p
}

// NormalizeMethod lower-cases a method token, strips trailing punctuation,
// and expands SUB/PUB to subscribe/publish.
func NormalizeMethod(m string) string {
	m = nonAlphaRe.ReplaceAllString(strings.ToUpper(strings.TrimSpace(m)), "")
	if full, ok := methodAliases[m]; ok {
		return full
	}
	return strings.ToLower(m)
}

// NormalizeEndpoint canonicalizes a "METHOD path" pair for equality
// comparison. Distinct paths never normalize equal; only the method case,
// parameter placeholder syntax, and trailing slashes are collapsed.
func NormalizeEndpoint(s string) string {
	fields := strings.Fields(strings.TrimSpace(s))
	if len(fields) == 0 {
		return ""
	}
	method := NormalizeMethod(fields[0])
	if len(fields) == 1 {
		return method
	}
	path := NormalizePath(strings.Join(fields[1:], ""))
	// Non-path-keyed protocols (channels, GraphQL operations, RPC methods)
	// match on the operation name, which is case-insensitive in practice.
	if !strings.HasPrefix(path, "/") {
		path = strings.ToLower(path)
	}
	return method + " " + path
}

// pathKeySegments extracts the meaningful segments from a path or channel
// name, skipping parameter placeholders, version prefixes, and numeric
// noise. Works for slash-separated REST paths and dotted channel names.
func pathKeySegments(path string) []string {
	var raw []string
	if strings.Contains(path, "/") {
		raw = strings.Split(path, "/")
	} else {
		raw = strings.Split(path, ".")
	}

	var segments []string
	for _, seg := range raw {
		if seg == "" || strings.HasPrefix(seg, "{") {
			continue
		}
		seg = strings.ToLower(fileExtSeg.ReplaceAllString(seg, ""))
		if len(seg) <= 2 || versionSeg.MatchString(seg) || numericSeg.MatchString(seg) {
			continue
		}
		segments = append(segments, seg)
	}
	return segments
}
