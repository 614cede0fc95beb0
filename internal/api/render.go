// ABOUTME: HTML rendering of turn responses for clients that send Accept: text/html.
// ABOUTME: The markdown response is converted with goldmark; raw HTML in it stays escaped.

package api

import (
	"bytes"
	"html/template"
	"mime"
	"net/http"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/2389/coven-supervisor/internal/turn"
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

var turnTemplate = template.Must(template.New("turn").Parse(`<article class="turn" data-turn-id="{{.ID}}" data-status="{{.Status}}">
{{.Body}}{{if .Failures}}<ul class="failures">
{{range .Failures}}<li data-kind="{{.Kind}}">{{.Specialist}}: {{.Kind}}</li>
{{end}}</ul>
{{end}}</article>
`))

// wantsHTML reports whether the client prefers HTML over JSON.
func wantsHTML(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		switch mediaType {
		case "text/html":
			return true
		case "application/json":
			return false
		}
	}
	return false
}

// renderMarkdown converts markdown to an HTML fragment.
func renderMarkdown(md string) (template.HTML, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return template.HTML(buf.String()), nil
}

func (s *Server) writeTurnHTML(w http.ResponseWriter, t *turn.Turn) {
	body, err := renderMarkdown(t.Response)
	if err != nil {
		s.logger.Error("failed to convert markdown", "turn_id", t.ID, "error", err)
		body = template.HTML("<p>" + template.HTMLEscapeString(t.Response) + "</p>")
	}

	var buf bytes.Buffer
	err = turnTemplate.Execute(&buf, struct {
		ID       string
		Status   turn.Status
		Body     template.HTML
		Failures []turn.Failure
	}{t.ID, t.Status, body, t.Failures})
	if err != nil {
		s.logger.Error("failed to render turn", "turn_id", t.ID, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
