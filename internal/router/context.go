package router

import (
	"net/http"
	"net/url"
)

// PathParam is a path parameter extracted from a matched request
type PathParam struct {
	Name  string
	Value string
}

type matchKey struct{}

type match struct {
	route  *Route
	params []PathParam
}

func matchFrom(r *http.Request) *match {
	m, _ := r.Context().Value(matchKey{}).(*match)
	return m
}

// CurrentRoute returns the route that matched r, or nil
func CurrentRoute(r *http.Request) *Route {
	if m := matchFrom(r); m != nil {
		return m.route
	}
	return nil
}

// Param returns the named path parameter, or "" when absent
func Param(r *http.Request, name string) string {
	m := matchFrom(r)
	if m == nil {
		return ""
	}
	for _, p := range m.params {
		if p.Name == name {
			return p.Value
		}
	}
	return ""
}

// Params returns the path parameters in declaration order
func Params(r *http.Request) []PathParam {
	m := matchFrom(r)
	if m == nil {
		return nil
	}
	out := make([]PathParam, len(m.params))
	copy(out, m.params)
	return out
}

// ParamValues returns the positional parameter values
func ParamValues(r *http.Request) []string {
	m := matchFrom(r)
	if m == nil {
		return nil
	}
	out := make([]string, len(m.params))
	for i, p := range m.params {
		out[i] = p.Value
	}
	return out
}

func unescape(v string) string {
	if u, err := url.PathUnescape(v); err == nil {
		return u
	}
	return v
}
