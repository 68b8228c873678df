package template_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tensorzero/inference-gateway/internal/providerapi"
	"github.com/tensorzero/inference-gateway/internal/template"
)

func writeTemplate(t *testing.T, name, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestRenderSubstitutesArguments(t *testing.T) {
	path := writeTemplate(t, "system.tmpl", "You are a {{.Role}} assistant for {{.Company}}.")
	r := template.New()

	out, err := r.Render(path, map[string]any{"Role": "support", "Company": "Acme"})
	require.NoError(t, err)
	assert.Equal(t, "You are a support assistant for Acme.", out)
}

func TestRenderIsCachedAcrossCalls(t *testing.T) {
	path := writeTemplate(t, "greeting.tmpl", "Hello, {{.Name}}!")
	r := template.New()

	first, err := r.Render(path, map[string]any{"Name": "Ada"})
	require.NoError(t, err)
	assert.Equal(t, "Hello, Ada!", first)

	second, err := r.Render(path, map[string]any{"Name": "Grace"})
	require.NoError(t, err)
	assert.Equal(t, "Hello, Grace!", second, "a cached template must still re-render per call, not replay the first result")
}

func TestRenderJSONHelper(t *testing.T) {
	path := writeTemplate(t, "tool.tmpl", `Arguments: {{json .Args}}`)
	r := template.New()

	out, err := r.Render(path, map[string]any{"Args": map[string]any{"city": "Paris"}})
	require.NoError(t, err)
	assert.Equal(t, `Arguments: {"city":"Paris"}`, out)
}

func TestRenderUnknownFieldErrors(t *testing.T) {
	path := writeTemplate(t, "broken.tmpl", "{{.DoesNotExist.Nested}}")
	r := template.New()

	_, err := r.Render(path, map[string]any{})
	require.Error(t, err)
}

func TestRenderInputUsesTemplatesWhenConfigured(t *testing.T) {
	systemPath := writeTemplate(t, "sys.tmpl", "System for {{.App}}")
	userPath := writeTemplate(t, "user.tmpl", "Question: {{.Question}}")
	r := template.New()

	system, messages, err := r.RenderInput(
		template.VariantTemplates{SystemPath: systemPath, UserPath: userPath},
		template.Input{
			SystemArgs: map[string]any{"App": "Gateway"},
			Messages: []template.MessageInput{
				{Role: providerapi.RoleUser, Args: map[string]any{"Question": "What's the weather?"}},
			},
		},
	)
	require.NoError(t, err)
	assert.Equal(t, "System for Gateway", system)
	require.Len(t, messages, 1)
	assert.Equal(t, providerapi.RoleUser, messages[0].Role)
	assert.Equal(t, "Question: What's the weather?", messages[0].Content[0].Text)
}

func TestRenderInputFallsBackToRawTextWithoutTemplate(t *testing.T) {
	r := template.New()

	system, messages, err := r.RenderInput(
		template.VariantTemplates{},
		template.Input{
			SystemText: "You are helpful.",
			Messages: []template.MessageInput{
				{Role: providerapi.RoleUser, Text: "hi there"},
				{Role: providerapi.RoleAssistant, Text: "hello!"},
			},
		},
	)
	require.NoError(t, err)
	assert.Equal(t, "You are helpful.", system)
	require.Len(t, messages, 2)
	assert.Equal(t, "hi there", messages[0].Content[0].Text)
	assert.Equal(t, "hello!", messages[1].Content[0].Text)
}
