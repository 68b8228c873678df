// Package template is the Template Engine collaborator the Inference
// Engine delegates to at step 3 of spec.md §4.7: given a variant's
// configured system/user/assistant template paths and the caller's
// per-role template arguments, render the canonical system prompt and
// message content the Model Router will send upstream.
//
// No templating library appears in any pack repo's go.mod, so this
// stays on stdlib text/template rather than reaching for a third-party
// engine — the one ambient-stack exception DESIGN.md calls out.
package template

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"text/template"

	"github.com/tensorzero/inference-gateway/internal/providerapi"
	"github.com/tensorzero/inference-gateway/internal/xerrors"
)

// VariantTemplates is one variant's configured template file paths.
// Any path may be empty, meaning that role's content is supplied
// verbatim by the caller instead of rendered.
type VariantTemplates struct {
	SystemPath    string
	UserPath      string
	AssistantPath string
}

// MessageInput is one turn of the caller-supplied canonical input,
// before template rendering.
type MessageInput struct {
	Role providerapi.Role
	// Args renders against the variant's template for Role, when one is
	// configured.
	Args map[string]any
	// Text is used verbatim when no template is configured for Role.
	Text string
}

// Input is the full caller-supplied canonical input prior to rendering.
type Input struct {
	SystemArgs map[string]any
	SystemText string
	Messages   []MessageInput
}

// Renderer parses and caches templates by file path so a hot variant
// doesn't reparse its template on every request.
type Renderer struct {
	mu    sync.RWMutex
	cache map[string]*template.Template
	funcs template.FuncMap
}

func New() *Renderer {
	return &Renderer{
		cache: make(map[string]*template.Template),
		funcs: template.FuncMap{
			"json": func(v any) (string, error) {
				b, err := json.Marshal(v)
				return string(b), err
			},
		},
	}
}

func (r *Renderer) parsed(path string) (*template.Template, error) {
	r.mu.RLock()
	if t, ok := r.cache[path]; ok {
		r.mu.RUnlock()
		return t, nil
	}
	r.mu.RUnlock()

	// ParseFiles defines the parsed content under the file's base name;
	// naming the root template the same way makes it directly
	// executable instead of needing ExecuteTemplate by name.
	t, err := template.New(filepath.Base(path)).Funcs(r.funcs).ParseFiles(path)
	if err != nil {
		return nil, xerrors.New(xerrors.KindInvalidRequest, fmt.Sprintf("template: failed to parse %q: %v", path, err))
	}

	r.mu.Lock()
	r.cache[path] = t
	r.mu.Unlock()
	return t, nil
}

// Render executes the template at path against data and returns the
// resulting string.
func (r *Renderer) Render(path string, data any) (string, error) {
	t, err := r.parsed(path)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", xerrors.New(xerrors.KindInvalidRequest, fmt.Sprintf("template: render %q failed: %v", path, err))
	}
	return buf.String(), nil
}

// RenderInput renders a full caller Input against a variant's
// configured templates, producing the system prompt and message list a
// providerapi.Request needs. A role whose template path is empty uses
// the caller-supplied raw text for that role instead of rendering.
func (r *Renderer) RenderInput(vt VariantTemplates, in Input) (system string, messages []providerapi.Message, err error) {
	if vt.SystemPath != "" {
		system, err = r.Render(vt.SystemPath, in.SystemArgs)
		if err != nil {
			return "", nil, err
		}
	} else {
		system = in.SystemText
	}

	messages = make([]providerapi.Message, 0, len(in.Messages))
	for _, m := range in.Messages {
		path := vt.roleTemplate(m.Role)
		text := m.Text
		if path != "" {
			text, err = r.Render(path, m.Args)
			if err != nil {
				return "", nil, err
			}
		}
		messages = append(messages, providerapi.Message{
			Role:    m.Role,
			Content: []providerapi.ContentBlock{{Type: providerapi.BlockText, Text: text}},
		})
	}
	return system, messages, nil
}

func (vt VariantTemplates) roleTemplate(role providerapi.Role) string {
	switch role {
	case providerapi.RoleUser:
		return vt.UserPath
	case providerapi.RoleAssistant:
		return vt.AssistantPath
	default:
		return ""
	}
}
