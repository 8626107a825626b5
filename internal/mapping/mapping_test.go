package mapping

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const companiesYAML = `
resource: companies
path: objects/companies
table: hubspot.company
id_column: id
fields:
  - {property: name, column: property_name, type: string}
  - {property: founded_year, column: property_founded_year, type: integer}
  - {property: annualrevenue, column: property_annualrevenue, type: number}
  - {property: is_public, column: property_is_public, type: boolean}
  - {property: createdate, column: property_createdate, type: timestamp}
`

func TestParseValidSchema(t *testing.T) {
	s, err := Parse([]byte(companiesYAML))
	require.NoError(t, err)

	assert.Equal(t, "companies", s.Resource)
	assert.Equal(t, "hubspot.company", s.Table)
	assert.Equal(t, "id", s.IDColumn)
	require.Len(t, s.Fields, 5)
	assert.Equal(t, TypeNumber, s.Fields[2].Type)
	assert.Equal(t,
		[]string{"name", "founded_year", "annualrevenue", "is_public", "createdate"},
		s.Properties())
}

func TestParseDefaultsIDColumn(t *testing.T) {
	s, err := Parse([]byte(`
resource: contacts
path: objects/contacts
table: hubspot.contact
fields:
  - {property: email, column: property_email, type: string}
`))
	require.NoError(t, err)
	assert.Equal(t, "id", s.IDColumn)
}

func TestParseRejectsInvalidSchemas(t *testing.T) {
	cases := map[string]string{
		"unknown type": `
resource: companies
path: objects/companies
table: hubspot.company
fields:
  - {property: name, column: property_name, type: varchar}
`,
		"no fields": `
resource: companies
path: objects/companies
table: hubspot.company
fields: []
`,
		"duplicate column": `
resource: companies
path: objects/companies
table: hubspot.company
fields:
  - {property: name, column: property_name, type: string}
  - {property: nickname, column: property_name, type: string}
`,
		"missing table": `
resource: companies
path: objects/companies
fields:
  - {property: name, column: property_name, type: string}
`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "companies.yaml"), []byte(companiesYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	set, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, set, 1)
	assert.NotNil(t, set.Get("companies"))
	assert.Nil(t, set.Get("contacts"))
	assert.Equal(t, []string{"companies"}, set.Resources())
}

func TestLoadDirRejectsDuplicateResource(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(companiesYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte(companiesYAML), 0o644))

	_, err := LoadDir(dir)
	assert.Error(t, err)
}
