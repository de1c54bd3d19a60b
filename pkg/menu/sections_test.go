package menu

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSections(t *testing.T) {
	data := []byte(`
sections:
  - code: /dashboard
    listPath: /
  - code: /wiki
    resource: wiki_articles
    create: true
    edit: true
    show: true
    icon: book
`)
	got, err := ParseSections(data)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, Section{Code: CodeWiki, Resource: "wiki_articles", Create: true, Edit: true, Show: true, Icon: "book"}, got[1])
}

func TestParseSections_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"missing slash", "sections:\n  - code: wiki\n"},
		{"bare slash", "sections:\n  - code: /\n"},
		{"duplicate", "sections:\n  - code: /wiki\n  - code: /wiki\n"},
		{"malformed", "sections: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSections([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestLoadSections_ShippedFileMatchesDefaults(t *testing.T) {
	got, err := LoadSections(filepath.Join("..", "..", "configs", "sections.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultSections(), got)
}

func TestLoadSections_MissingFile(t *testing.T) {
	_, err := LoadSections(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
