package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeTemplate(t *testing.T) {
	tpl := `<Doc><Name>{{ xml .Name }}</Name><At>{{ rfc3339 .At }}</At><Total>{{ money .Total }}</Total><B>{{ base64 .Raw }}</B></Doc>`
	model := map[string]any{
		"Name":  "Soda & Café <Central>",
		"At":    time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC),
		"Total": 1500.5,
		"Raw":   []byte("hi"),
	}

	out, err := MergeTemplate(&tpl, model)
	require.NoError(t, err)
	assert.Equal(t,
		`<Doc><Name>Soda &amp; Café &lt;Central&gt;</Name><At>2024-03-05T10:00:00Z</At><Total>1500.50000</Total><B>aGk=</B></Doc>`,
		string(out))
}

func TestMergeTemplate_MissingKey(t *testing.T) {
	tpl := `{{ .Missing }}`
	_, err := MergeTemplate(&tpl, map[string]any{})
	assert.Error(t, err)
}

func TestMergeTemplate_ParseError(t *testing.T) {
	tpl := `{{ .Broken `
	_, err := MergeTemplate(&tpl, nil)
	assert.Error(t, err)
}
