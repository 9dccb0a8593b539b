package router

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var paramToken = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// compilePattern turns "/clients/{id}/edit" into an anchored expression where
// every placeholder matches exactly one path segment.
func compilePattern(pattern string) (*regexp.Regexp, []string, error) {
	pattern = normalizePattern(pattern)

	var names []string
	var b strings.Builder
	b.WriteString("^")

	last := 0
	for _, loc := range paramToken.FindAllStringSubmatchIndex(pattern, -1) {
		b.WriteString(regexp.QuoteMeta(pattern[last:loc[0]]))
		name := pattern[loc[2]:loc[3]]
		for _, existing := range names {
			if existing == name {
				return nil, nil, fmt.Errorf("pattern %q: duplicate parameter %q", pattern, name)
			}
		}
		names = append(names, name)
		b.WriteString("([^/]+)")
		last = loc[1]
	}
	rest := pattern[last:]
	if strings.ContainsAny(rest, "{}") {
		return nil, nil, fmt.Errorf("pattern %q: malformed placeholder", pattern)
	}
	b.WriteString(regexp.QuoteMeta(rest))
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, nil, fmt.Errorf("compile pattern %q: %w", pattern, err)
	}
	return re, names, nil
}

func normalizePattern(pattern string) string {
	if !strings.HasPrefix(pattern, "/") {
		pattern = "/" + pattern
	}
	if len(pattern) > 1 {
		pattern = strings.TrimSuffix(pattern, "/")
	}
	return pattern
}

// NormalizePath strips the query string and base path, ensures a leading slash
// and removes a single trailing slash (except for the root).
func NormalizePath(path, basePath string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if basePath != "" && basePath != "/" {
		if path == basePath {
			path = "/"
		} else if strings.HasPrefix(path, basePath+"/") {
			path = path[len(basePath):]
		}
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if len(path) > 1 && strings.HasSuffix(path, "/") {
		path = path[:len(path)-1]
	}
	return path
}

func normalizeBasePath(base string) string {
	base = strings.TrimSpace(base)
	if base == "" || base == "/" {
		return ""
	}
	if !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return strings.TrimRight(base, "/")
}

// expand substitutes params into pattern. Missing parameters are left as placeholders.
func expand(pattern string, params map[string]string) string {
	return paramToken.ReplaceAllStringFunc(normalizePattern(pattern), func(tok string) string {
		name := tok[1 : len(tok)-1]
		if v, ok := params[name]; ok {
			return url.PathEscape(v)
		}
		return tok
	})
}
