// Package handler contains the HTTP request handlers.
//
// Handlers parse the request, call a service and write the response. They
// hold no business rules: status codes are chosen by writeError from the
// typed errors the services return.
package handler

import (
	"html/template"
	"log/slog"
	"net/http"
	"strings"
)

const baseTemplate = `{{define "base"}}<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body>
<main>{{template "content" .}}</main>
</body>
</html>{{end}}`

const homeTemplate = `{{define "content"}}
<h1>LineLink</h1>
{{if .SignedIn}}
<p>You are signed in. <a href="/manage">Manage your account</a>.</p>
<form method="post" action="/account/signout"><button type="submit">Sign out</button></form>
{{else}}
<p>Get status updates for your favourite lines on Alexa. <a href="/account/signin">Sign in</a> to choose them.</p>
{{end}}
{{end}}`

const signInTemplate = `{{define "content"}}
<h1>Sign in</h1>
<ul>
{{range .Providers}}<li><a href="/auth/{{.Name}}/login?returnUrl={{$.ReturnURL}}">Sign in with {{.DisplayName}}</a></li>
{{else}}<li>No sign-in providers are configured.</li>
{{end}}</ul>
{{end}}`

// ProviderLink is a sign-in option shown on the sign-in page.
type ProviderLink struct {
	Name        string
	DisplayName string
}

// PagesHandler renders the few server-side HTML pages.
// Templates are parsed once at construction and reused for every request.
type PagesHandler struct {
	home      *template.Template
	signIn    *template.Template
	providers []ProviderLink
	logger    *slog.Logger
}

// NewPagesHandler parses the page templates.
func NewPagesHandler(providers []ProviderLink, logger *slog.Logger) (*PagesHandler, error) {
	home, err := parsePage(homeTemplate)
	if err != nil {
		return nil, err
	}
	signIn, err := parsePage(signInTemplate)
	if err != nil {
		return nil, err
	}
	return &PagesHandler{
		home:      home,
		signIn:    signIn,
		providers: providers,
		logger:    logger,
	}, nil
}

func parsePage(content string) (*template.Template, error) {
	tmpl, err := template.New("base").Parse(baseTemplate)
	if err != nil {
		return nil, err
	}
	return tmpl.Parse(content)
}

// HandleHome serves the landing page.
//
// HTTP: GET /
// Auth: optional
func (h *PagesHandler) HandleHome(w http.ResponseWriter, r *http.Request) {
	_, signedIn := userIDFrom(r)
	h.render(w, h.home, map[string]any{
		"Title":    "LineLink",
		"SignedIn": signedIn,
	})
}

// HandleSignIn lists the configured identity providers.
//
// HTTP: GET /account/signin?returnUrl=/alexa/authorize?...
func (h *PagesHandler) HandleSignIn(w http.ResponseWriter, r *http.Request) {
	h.render(w, h.signIn, map[string]any{
		"Title":     "Sign in - LineLink",
		"Providers": h.providers,
		"ReturnURL": localReturnURL(r.URL.Query().Get("returnUrl")),
	})
}

func (h *PagesHandler) render(w http.ResponseWriter, tmpl *template.Template, data map[string]any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.ExecuteTemplate(w, "base", data); err != nil {
		h.logger.Error("failed to render template",
			slog.String("error", err.Error()),
		)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// localReturnURL keeps only same-site relative paths, so a crafted returnUrl
// cannot bounce the browser off-site after sign-in.
func localReturnURL(raw string) string {
	if raw == "" || raw[0] != '/' {
		return "/"
	}
	if strings.HasPrefix(raw, "//") || strings.HasPrefix(raw, `/\`) {
		return "/"
	}
	return raw
}
