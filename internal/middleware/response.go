package middleware

import (
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/khalloda/spare-parts-system/internal/router"
)

// ErrorResponse is the JSON body returned to AJAX callers when a guard rejects a request
type ErrorResponse struct {
	Success   bool                `json:"success"`
	Message   string              `json:"message"`
	Code      string              `json:"code,omitempty"`
	Errors    map[string][]string `json:"errors,omitempty"`
	Redirect  string              `json:"redirect,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

// JSONError returns a response writing body with status
func JSONError(status int, body ErrorResponse) router.Response {
	body.Success = false
	if body.Timestamp.IsZero() {
		body.Timestamp = time.Now().UTC()
	}
	return router.ResponseFunc(func(w http.ResponseWriter, r *http.Request) {
		router.WriteJSON(w, status, body)
	})
}

// Redirect returns a 302 response to location
func Redirect(location string) router.Response {
	return router.ResponseFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, location, http.StatusFound)
	})
}

// ErrorPageRenderer renders a full HTML error page for browser callers
type ErrorPageRenderer interface {
	RenderErrorPage(w http.ResponseWriter, r *http.Request, status int, message string)
}

// ErrorPageFunc adapts a function to ErrorPageRenderer
type ErrorPageFunc func(w http.ResponseWriter, r *http.Request, status int, message string)

// RenderErrorPage calls f
func (f ErrorPageFunc) RenderErrorPage(w http.ResponseWriter, r *http.Request, status int, message string) {
	f(w, r, status, message)
}

// PlainErrorPage is the fallback page used when no renderer is configured
var PlainErrorPage ErrorPageFunc = func(w http.ResponseWriter, r *http.Request, status int, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, "<!DOCTYPE html><html><head><title>%d %s</title></head><body><h1>%d %s</h1><p>%s</p></body></html>",
		status, http.StatusText(status), status, http.StatusText(status), template.HTMLEscapeString(message))
}

func errorPage(pages ErrorPageRenderer, status int, message string) router.Response {
	return router.ResponseFunc(func(w http.ResponseWriter, r *http.Request) {
		pages.RenderErrorPage(w, r, status, message)
	})
}
