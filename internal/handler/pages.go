// Package handler contains HTTP request handlers for the settings application.
//
// WHAT IS A HANDLER?
// In Go, an HTTP handler is anything that implements the http.Handler interface:
//
//	type Handler interface {
//	    ServeHTTP(ResponseWriter, *Request)
//	}
//
// Or more commonly, we use http.HandlerFunc, a function with the right signature
// that automatically satisfies the Handler interface. Chi's router accepts these directly.
//
// HANDLER RESPONSIBILITIES:
// 1. Parse the incoming HTTP request (query params, body, headers)
// 2. Call business logic (services, the settings form)
// 3. Write the HTTP response (status code, headers, body)
//
// Handlers should NOT contain business logic; they are the "glue" between HTTP and your app.
package handler

import (
	"bytes"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"

	"github.com/sakif/discord-notify/internal/auth"
	"github.com/sakif/discord-notify/internal/model"
	"github.com/sakif/discord-notify/internal/notify"
	"github.com/sakif/discord-notify/internal/settings"
)

// pageNames are the templates that fill base.html's "content" block.
var pageNames = []string{"settings.html", "login.html"}

// pageData is the single data type every page template receives.
type pageData struct {
	Title   string
	User    *model.User
	Values  settings.Values
	Notices []notify.Notice
	GitHub  bool
}

// Renderer holds one parsed template set per page.
//
// WHY ONE SET PER PAGE?
// Every page defines a block called "content". Parsing all pages into a
// single set would let the last one win, so each page is parsed together with
// base.html on its own.
type Renderer struct {
	pages  map[string]*template.Template
	logger *slog.Logger
}

// NewRenderer parses base.html plus each page from fsys (web.Templates).
func NewRenderer(fsys fs.FS, logger *slog.Logger) (*Renderer, error) {
	funcs := template.FuncMap{"value": model.Value}
	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		tmpl, err := template.New(name).Funcs(funcs).ParseFS(fsys, "templates/base.html", "templates/"+name)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", name, err)
		}
		pages[name] = tmpl
	}
	return &Renderer{pages: pages, logger: logger}, nil
}

// Render executes page into a buffer first so a template error still
// produces a clean 500 instead of half a page.
func (rd *Renderer) Render(w http.ResponseWriter, status int, page string, data pageData) {
	tmpl, ok := rd.pages[page]
	if !ok {
		rd.logger.Error("unknown page", slog.String("page", page))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "base", data); err != nil {
		rd.logger.Error("failed to render template",
			slog.String("page", page),
			slog.String("error", err.Error()),
		)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	// Set content type header BEFORE writing the body
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

// PageHandler serves the pages that need no service calls.
type PageHandler struct {
	pages   *Renderer
	browser *auth.BrowserSessions
	github  bool
	logger  *slog.Logger
}

// NewPageHandler creates a PageHandler. github controls the "Sign in with
// GitHub" button.
func NewPageHandler(pages *Renderer, browser *auth.BrowserSessions, github bool, logger *slog.Logger) *PageHandler {
	return &PageHandler{pages: pages, browser: browser, github: github, logger: logger}
}

// HandleRoot sends everyone to the settings page, which decides between
// the form and the login prompt.
//
// HTTP: GET /
func (h *PageHandler) HandleRoot(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/settings", http.StatusSeeOther)
}

// HandleLogin renders the sign-in page. Signed-in users go straight to
// their settings.
//
// HTTP: GET /login (OptionalAuth)
func (h *PageHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if _, ok := auth.UserIDFromContext(r.Context()); ok {
		http.Redirect(w, r, "/settings", http.StatusSeeOther)
		return
	}

	notices, err := notify.PopFlashes(h.browser, w, r)
	if err != nil {
		h.logger.Warn("reading flash notices", slog.String("error", err.Error()))
	}
	h.pages.Render(w, http.StatusOK, "login.html", pageData{
		Title:   "Sign in · discord-notify",
		Notices: notices,
		GitHub:  h.github,
	})
}
