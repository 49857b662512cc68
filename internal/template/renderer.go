// Package template resolves stored templates and substitutes their
// {{name}} placeholders into deliverable content.
package template

import (
	"context"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/db"
)

// Placeholder is substituted for a variable that has neither a supplied value
// nor a declared default. Rendering with it is non-fatal; the name is
// reported back in Rendered.Unresolved.
const Placeholder = "(unset)"

var varPattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// Store supplies templates by key. A db.ErrNotFound result is fatal for the
// request: dispatch never proceeds without content.
type Store interface {
	GetTemplateByKey(ctx context.Context, key string) (*db.Template, error)
}

// Rendered is the produced content plus any unresolved variable names.
type Rendered struct {
	Title         string
	Body          string
	BodyLocalized string
	Unresolved    []string
}

// Renderer renders stored templates with caller-supplied variables.
type Renderer struct {
	store  Store
	logger *zap.Logger
}

// NewRenderer creates a template renderer backed by the given store.
func NewRenderer(store Store, logger *zap.Logger) *Renderer {
	return &Renderer{
		store:  store,
		logger: logger,
	}
}

// ExtractVariables returns the distinct placeholder names appearing in body
// text, in order of first appearance.
func ExtractVariables(body string) []string {
	var names []string
	seen := make(map[string]bool)
	for _, match := range varPattern.FindAllStringSubmatch(body, -1) {
		name := match[1]
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}

// Render looks up the template and substitutes variables into title and both
// body locales. Unknown key is an error; unresolved variables are not.
func (r *Renderer) Render(ctx context.Context, key string, variables map[string]string) (*Rendered, error) {
	tpl, err := r.store.GetTemplateByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	return RenderTemplate(tpl, variables), nil
}

// RenderTemplate substitutes variables into an already-loaded template.
// Variable names are the union of the declared schema and whatever {{name}}
// placeholders appear in the body text. For each name the caller value wins,
// then the schema default, then Placeholder.
func RenderTemplate(tpl *db.Template, variables map[string]string) *Rendered {
	defaults := make(map[string]string)
	for _, v := range tpl.Variables {
		if v.Default != "" {
			defaults[v.Name] = v.Default
		}
	}

	unresolvedSet := make(map[string]bool)
	var unresolved []string

	resolve := func(name string) string {
		if val, ok := variables[name]; ok {
			return val
		}
		if def, ok := defaults[name]; ok {
			return def
		}
		if !unresolvedSet[name] {
			unresolvedSet[name] = true
			unresolved = append(unresolved, name)
		}
		return Placeholder
	}

	substitute := func(text string) string {
		return varPattern.ReplaceAllStringFunc(text, func(match string) string {
			name := varPattern.FindStringSubmatch(match)[1]
			return resolve(name)
		})
	}

	out := &Rendered{
		Title:         substitute(tpl.Title),
		Body:          substitute(tpl.Body),
		BodyLocalized: substitute(tpl.BodyLocalized),
	}

	// Schema-declared names missing from the body still count as unresolved
	// when required and unsupplied; the caller sees the full warning list.
	for _, v := range tpl.Variables {
		if !v.Required {
			continue
		}
		if _, ok := variables[v.Name]; ok {
			continue
		}
		if _, ok := defaults[v.Name]; ok {
			continue
		}
		if !unresolvedSet[v.Name] {
			unresolvedSet[v.Name] = true
			unresolved = append(unresolved, v.Name)
		}
	}

	out.Unresolved = unresolved
	return out
}

// Preview renders arbitrary body text against variables without a stored
// template, used by test sends of ad-hoc content.
func Preview(title, body string, variables map[string]string) *Rendered {
	tpl := &db.Template{Title: title, Body: body}
	return RenderTemplate(tpl, variables)
}

// Titled reports whether rendered output carries any content at all.
func (r *Rendered) Titled() bool {
	return strings.TrimSpace(r.Title) != "" || strings.TrimSpace(r.Body) != ""
}
