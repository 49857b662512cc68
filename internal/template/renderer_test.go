package template

import (
	"context"
	"reflect"
	"testing"

	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/db"
)

type stubStore struct {
	templates map[string]*db.Template
}

func (s *stubStore) GetTemplateByKey(ctx context.Context, key string) (*db.Template, error) {
	tpl, ok := s.templates[key]
	if !ok {
		return nil, db.ErrNotFound
	}
	return tpl, nil
}

func TestExtractVariables(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []string
	}{
		{
			name: "two variables",
			body: "Hello {{name}}, order {{orderId}} confirmed",
			want: []string{"name", "orderId"},
		},
		{
			name: "duplicates collapse",
			body: "{{name}} and {{name}} again",
			want: []string{"name"},
		},
		{
			name: "whitespace tolerated",
			body: "Hi {{ name }}!",
			want: []string{"name"},
		},
		{
			name: "no variables",
			body: "Plain text",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractVariables(tt.body)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestRender_MissingVariableGetsPlaceholderAndWarning(t *testing.T) {
	store := &stubStore{templates: map[string]*db.Template{
		"order_confirmed": {
			Key:   "order_confirmed",
			Title: "Order update",
			Body:  "Hello {{name}}, order {{orderId}} confirmed",
		},
	}}
	r := NewRenderer(store, zap.NewNop())

	out, err := r.Render(context.Background(), "order_confirmed", map[string]string{"name": "Sara"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := "Hello Sara, order " + Placeholder + " confirmed"
	if out.Body != want {
		t.Errorf("expected body %q, got %q", want, out.Body)
	}
	if len(out.Unresolved) != 1 || out.Unresolved[0] != "orderId" {
		t.Errorf("expected unresolved [orderId], got %v", out.Unresolved)
	}
}

func TestRender_SchemaDefaultUsed(t *testing.T) {
	store := &stubStore{templates: map[string]*db.Template{
		"promo": {
			Key:   "promo",
			Title: "{{discount}} off",
			Body:  "Get {{discount}} off today, {{name}}",
			Variables: []db.TemplateVariable{
				{Name: "discount", Default: "10%"},
				{Name: "name", Required: true},
			},
		},
	}}
	r := NewRenderer(store, zap.NewNop())

	out, err := r.Render(context.Background(), "promo", map[string]string{"name": "Omar"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Title != "10% off" {
		t.Errorf("expected default applied in title, got %q", out.Title)
	}
	if out.Body != "Get 10% off today, Omar" {
		t.Errorf("unexpected body %q", out.Body)
	}
	if len(out.Unresolved) != 0 {
		t.Errorf("expected no unresolved, got %v", out.Unresolved)
	}
}

func TestRender_CallerValueBeatsDefault(t *testing.T) {
	tpl := &db.Template{
		Body: "Get {{discount}} off",
		Variables: []db.TemplateVariable{
			{Name: "discount", Default: "10%"},
		},
	}
	out := RenderTemplate(tpl, map[string]string{"discount": "25%"})
	if out.Body != "Get 25% off" {
		t.Errorf("expected caller value to win, got %q", out.Body)
	}
}

func TestRender_LocalizedBodyRendered(t *testing.T) {
	tpl := &db.Template{
		Body:          "Hello {{name}}",
		BodyLocalized: "Hola {{name}}",
	}
	out := RenderTemplate(tpl, map[string]string{"name": "Ana"})
	if out.BodyLocalized != "Hola Ana" {
		t.Errorf("expected localized render, got %q", out.BodyLocalized)
	}
}

func TestRender_RequiredSchemaVariableMissingFromBodyStillWarned(t *testing.T) {
	tpl := &db.Template{
		Body: "Static body",
		Variables: []db.TemplateVariable{
			{Name: "token", Required: true},
		},
	}
	out := RenderTemplate(tpl, nil)
	if len(out.Unresolved) != 1 || out.Unresolved[0] != "token" {
		t.Errorf("expected unresolved [token], got %v", out.Unresolved)
	}
}

func TestRender_UnknownKeyIsFatal(t *testing.T) {
	r := NewRenderer(&stubStore{templates: map[string]*db.Template{}}, zap.NewNop())

	if _, err := r.Render(context.Background(), "nope", nil); err == nil {
		t.Fatal("expected error for unknown template key")
	}
}
