package render

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// Email kinds with a subject and body template pair.
const (
	EmailDelivery = "delivery"
	EmailExpiry   = "expiry"
)

// EmailData is passed to every email template.
type EmailData struct {
	SessionID string
	Link      string
	Brand     string
}

// Engine renders templates embedded in the package.
type Engine struct {
	templates *template.Template
}

// New initialises an Engine by parsing all embedded templates.
func New() (*Engine, error) {
	t, err := template.New("render").ParseFS(templatesFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return &Engine{templates: t}, nil
}

// Render executes the named template with the provided data and returns the rendered string.
func (e *Engine) Render(name string, data any) (string, error) {
	if e == nil || e.templates == nil {
		return "", fmt.Errorf("nil engine")
	}

	buf := bytes.NewBuffer(nil)
	if err := e.templates.ExecuteTemplate(buf, name, data); err != nil {
		return "", err
	}

	return buf.String(), nil
}

// Email renders the subject and body for kind.
func (e *Engine) Email(kind string, data EmailData) (string, string, error) {
	subject, err := e.Render(kind+"_subject", data)
	if err != nil {
		return "", "", fmt.Errorf("render %s subject: %w", kind, err)
	}
	body, err := e.Render(kind+"_body", data)
	if err != nil {
		return "", "", fmt.Errorf("render %s body: %w", kind, err)
	}
	return strings.TrimSpace(subject), strings.TrimLeft(body, "\n"), nil
}
