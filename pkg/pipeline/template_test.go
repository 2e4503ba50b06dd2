package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemplateValidate(t *testing.T) {
	intPtr := func(n int) *int { return &n }

	tests := []struct {
		name    string
		tmpl    Template
		wantErr string
	}{
		{
			name: "valid linear chain",
			tmpl: Template{Name: "chain", Tasks: []TaskSpec{
				{Kind: "a"},
				{Kind: "b", DependsOn: []string{"a"}},
				{Kind: "c", DependsOn: []string{"b"}},
			}},
		},
		{
			name: "valid fan-out",
			tmpl: Template{Name: "fan", Tasks: []TaskSpec{
				{Kind: "root"},
				{Kind: "left", DependsOn: []string{"root"}},
				{Kind: "right", DependsOn: []string{"root"}},
			}},
		},
		{
			name:    "empty name",
			tmpl:    Template{Tasks: []TaskSpec{{Kind: "a"}}},
			wantErr: "no name",
		},
		{
			name:    "no tasks",
			tmpl:    Template{Name: "empty"},
			wantErr: "no tasks",
		},
		{
			name: "duplicate kind",
			tmpl: Template{Name: "dup", Tasks: []TaskSpec{
				{Kind: "a"}, {Kind: "a"},
			}},
			wantErr: "duplicate kind",
		},
		{
			name: "undefined upstream",
			tmpl: Template{Name: "dangling", Tasks: []TaskSpec{
				{Kind: "a", DependsOn: []string{"ghost"}},
			}},
			wantErr: "undefined kind",
		},
		{
			name: "self dependency",
			tmpl: Template{Name: "selfie", Tasks: []TaskSpec{
				{Kind: "a", DependsOn: []string{"a"}},
			}},
			wantErr: "depends on itself",
		},
		{
			name: "two-node cycle",
			tmpl: Template{Name: "cycle", Tasks: []TaskSpec{
				{Kind: "a", DependsOn: []string{"b"}},
				{Kind: "b", DependsOn: []string{"a"}},
			}},
			wantErr: "cycle",
		},
		{
			name: "three-node cycle behind a root",
			tmpl: Template{Name: "cycle3", Tasks: []TaskSpec{
				{Kind: "root"},
				{Kind: "a", DependsOn: []string{"root", "c"}},
				{Kind: "b", DependsOn: []string{"a"}},
				{Kind: "c", DependsOn: []string{"b"}},
			}},
			wantErr: "cycle",
		},
		{
			name: "negative weight",
			tmpl: Template{Name: "w", Tasks: []TaskSpec{
				{Kind: "a", Weight: -1},
			}},
			wantErr: "negative weight",
		},
		{
			name: "negative max_retries",
			tmpl: Template{Name: "r", Tasks: []TaskSpec{
				{Kind: "a", MaxRetries: intPtr(-2)},
			}},
			wantErr: "negative max_retries",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.tmpl.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestDeckAnalysisTemplateIsValid(t *testing.T) {
	tmpl := DeckAnalysisTemplate()
	require.NoError(t, tmpl.Validate())
	assert.Len(t, tmpl.Tasks, 6)

	// The three specialized tasks all hang off the extraction stage.
	specialized := 0
	for _, spec := range tmpl.Tasks {
		if len(spec.DependsOn) == 1 && spec.DependsOn[0] == "extractions_and_template" {
			specialized++
		}
	}
	assert.Equal(t, 3, specialized)
}

func TestLoadTemplate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tmpl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: custom
tasks:
  - kind: ocr
    weight: 2
  - kind: summarize
    max_retries: 5
    depends_on: [ocr]
`), 0o644))

	tmpl, err := LoadTemplate(path)
	require.NoError(t, err)
	assert.Equal(t, "custom", tmpl.Name)
	require.Len(t, tmpl.Tasks, 2)
	assert.Equal(t, 2, tmpl.Tasks[0].Weight)
	require.NotNil(t, tmpl.Tasks[1].MaxRetries)
	assert.Equal(t, 5, *tmpl.Tasks[1].MaxRetries)
	assert.Equal(t, []string{"ocr"}, tmpl.Tasks[1].DependsOn)
}

func TestLoadTemplateRejectsCycle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: bad
tasks:
  - kind: a
    depends_on: [b]
  - kind: b
    depends_on: [a]
`), 0o644))

	_, err := LoadTemplate(path)
	assert.ErrorContains(t, err, "cycle")
}
