package rules

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKeepsOrderAndTrims(t *testing.T) {
	set := New(
		Rule{Name: "zeta", Sender: "  @z.example ", Header: " %z% "},
		Rule{Name: "alpha", Sender: "a@example.com"},
		Rule{Name: "mid"},
	)

	assert.Equal(t, 3, set.Len())
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, set.Names())

	zeta, ok := set.Get("zeta")
	require.True(t, ok)
	assert.Equal(t, "@z.example", zeta.Sender)
	assert.Equal(t, "%z%", zeta.Header)
}

func TestNewDuplicateNameKeepsFirstPositionLastValue(t *testing.T) {
	set := New(
		Rule{Name: "a", Sender: "first"},
		Rule{Name: "b"},
		Rule{Name: "a", Sender: "second"},
	)

	assert.Equal(t, []string{"a", "b"}, set.Names())
	a, _ := set.Get("a")
	assert.Equal(t, "second", a.Sender)
}

func TestNilRuleSet(t *testing.T) {
	var set *RuleSet

	assert.Equal(t, 0, set.Len())
	assert.Empty(t, set.Rules())
	assert.Empty(t, set.Names())
	_, ok := set.Get("x")
	assert.False(t, ok)
	for range set.All() {
		t.Fatal("nil set must not yield rules")
	}
}

func TestRulesReturnsCopy(t *testing.T) {
	set := New(Rule{Name: "a", Sender: "x@y.z"})
	list := set.Rules()
	list[0].Sender = "mutated"

	a, _ := set.Get("a")
	assert.Equal(t, "x@y.z", a.Sender)
}

func TestAllStopsEarly(t *testing.T) {
	set := New(Rule{Name: "a"}, Rule{Name: "b"}, Rule{Name: "c"})
	var seen []string
	for r := range set.All() {
		seen = append(seen, r.Name)
		if r.Name == "b" {
			break
		}
	}
	assert.Equal(t, []string{"a", "b"}, seen)
}

func TestParseJSONPreservesDocumentOrder(t *testing.T) {
	data := []byte(`{
		"zz-last-alphabetically": {"sender": "@billing.example.com", "header": "%invoice%"},
		"aa-first-alphabetically": {"sender": "", "header": ""},
		"middle": {"sender": " boss@example.com ", "header": "Weekly report"}
	}`)

	set, err := Parse(data, FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, []string{"zz-last-alphabetically", "aa-first-alphabetically", "middle"}, set.Names())

	middle, _ := set.Get("middle")
	assert.Equal(t, "boss@example.com", middle.Sender)
}

func TestParseJSONErrors(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr error
	}{
		{name: "empty document", data: ``},
		{name: "array", data: `[{"sender": "", "header": ""}]`, wantErr: ErrNotObject},
		{name: "truncated", data: `{"a": {"sender": "", "header": ""}`},
		{name: "missing header", data: `{"a": {"sender": "x"}}`, wantErr: ErrMissingField},
		{name: "missing sender", data: `{"a": {"header": "x"}}`, wantErr: ErrMissingField},
		{name: "null rule", data: `{"a": null}`, wantErr: ErrMissingField},
		{name: "number pattern", data: `{"a": {"sender": 5, "header": ""}}`},
		{name: "string rule", data: `{"a": "nope"}`},
		{name: "trailing data", data: `{} {}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data), FormatJSON)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestParseJSONEmptyObject(t *testing.T) {
	set, err := Parse([]byte(`{}`), FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, 0, set.Len())
}

func TestParseYAML(t *testing.T) {
	data := []byte(`
newsletters:
  sender: "@news.example.org"
  header: ""
billing:
  sender: "@billing.example.com"
  header: "%invoice%"
`)

	set, err := Parse(data, FormatYAML)
	require.NoError(t, err)
	assert.Equal(t, []string{"newsletters", "billing"}, set.Names())

	billing, _ := set.Get("billing")
	assert.Equal(t, Rule{Name: "billing", Sender: "@billing.example.com", Header: "%invoice%"}, billing)
}

func TestParseYAMLErrors(t *testing.T) {
	for name, data := range map[string]string{
		"empty":          ``,
		"list":           "- a\n- b\n",
		"scalar rule":    "billing: nope\n",
		"missing header": "billing:\n  sender: x\n",
		"broken":         "billing: [\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(data), FormatYAML)
			assert.Error(t, err)
		})
	}
}

func TestParseTOML(t *testing.T) {
	data := []byte(`
[zeta]
sender = "@z.example"
header = ""

[alpha]
sender = ""
header = "%alert%"
`)

	set, err := Parse(data, FormatTOML)
	require.NoError(t, err)
	assert.Equal(t, []string{"zeta", "alpha"}, set.Names())
}

func TestParseTOMLMissingField(t *testing.T) {
	_, err := Parse([]byte("[alpha]\nsender = \"\"\n"), FormatTOML)
	assert.ErrorIs(t, err, ErrMissingField)
}

func TestParseUnknownFormat(t *testing.T) {
	_, err := Parse([]byte(`{}`), Format("ini"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestFormatFromPath(t *testing.T) {
	tests := map[string]Format{
		"rules.json":  FormatJSON,
		"RULES.JSON":  FormatJSON,
		"rules":       FormatJSON,
		"conf/r.yaml": FormatYAML,
		"conf/r.yml":  FormatYAML,
		"/etc/r.toml": FormatTOML,
	}
	for path, want := range tests {
		got, err := FormatFromPath(path)
		require.NoError(t, err, path)
		assert.Equal(t, want, got, path)
	}

	_, err := FormatFromPath("rules.ini")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "rules.json")
	require.NoError(t, os.WriteFile(good, []byte(`{"billing": {"sender": "@billing.example.com", "header": "%invoice%"}}`), 0o600))

	loaded := Load(good)
	require.NoError(t, loaded.Err)
	assert.False(t, loaded.Degraded())
	assert.Equal(t, []string{"billing"}, loaded.Set.Names())
	assert.True(t, filepath.IsAbs(loaded.Path))
}

func TestLoadDegradesToEmptySet(t *testing.T) {
	dir := t.TempDir()

	broken := filepath.Join(dir, "broken.json")
	require.NoError(t, os.WriteFile(broken, []byte(`{"billing": `), 0o600))

	tests := map[string]string{
		"missing file":   filepath.Join(dir, "absent.json"),
		"malformed file": broken,
		"unknown format": filepath.Join(dir, "rules.ini"),
	}
	for name, path := range tests {
		t.Run(name, func(t *testing.T) {
			loaded := Load(path)
			assert.True(t, loaded.Degraded())
			require.NotNil(t, loaded.Set)
			assert.Equal(t, 0, loaded.Set.Len())
		})
	}
}
