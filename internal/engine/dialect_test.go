package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveBuiltinProfile(t *testing.T) {
	p, err := ResolveProfile("r", "")
	require.NoError(t, err)
	assert.Equal(t, "r", p.Name)
	assert.NotEmpty(t, p.Command)
	assert.NotEmpty(t, p.Warmup)
}

func TestResolveUnknownProfile(t *testing.T) {
	_, err := ResolveProfile("sas", "")
	assert.Error(t, err)
}

func TestLoadProfilesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
profiles:
  julia:
    command: ["julia", "-q"]
    marker: 'println(%q)'
    rcPattern: '(?m)^ERROR:'
    runFile: 'include(%q)'
    quit: 'exit()'
`), 0644))

	profiles, err := LoadProfiles(path)
	require.NoError(t, err)
	require.Contains(t, profiles, "julia")
	assert.Equal(t, "julia", profiles["julia"].Name)
	assert.Equal(t, []string{"julia", "-q"}, profiles["julia"].Command)
}

func TestLoadProfilesRejectsMissingCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
profiles:
  broken:
    marker: 'echo %s'
`), 0644))

	_, err := LoadProfiles(path)
	assert.Error(t, err)
}

func TestProfilesFileShadowsBuiltin(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
profiles:
  r:
    command: ["/opt/custom/R", "--vanilla"]
    marker: 'cat(%q)'
`), 0644))

	p, err := ResolveProfile("r", path)
	require.NoError(t, err)
	assert.Equal(t, "/opt/custom/R", p.Command[0])
}

func TestDetectRC(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		output  string
		want    int
	}{
		{"clean output", `(?m)^Error\b`, "x <- 1\n[1] 1\n", 0},
		{"plain error", `(?m)^Error\b`, "Error in eval(x): object not found\n", 1},
		{"numeric code", `r\((\d+)\)`, "no observations\nr(2000)\n", 2000},
		{"no pattern", "", "Error everywhere", 0},
		{"error not at line start", `(?m)^Error\b`, "note: Error handling improved\n", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Profile{Name: "t", Command: []string{"x"}, RCPattern: tt.pattern}
			require.NoError(t, p.compile())
			assert.Equal(t, tt.want, p.DetectRC(tt.output))
		})
	}
}

func TestTemplateRendering(t *testing.T) {
	p := Profile{
		Name:    "t",
		Command: []string{"x"},
		Marker:  `cat(%q, "\n", sep="")`,
		RunFile: `source(%q, chdir=TRUE)`,
	}
	assert.Equal(t, `cat("tok", "\n", sep="")`, p.MarkerCommand("tok"))
	assert.Equal(t, `source("/tmp/a.R", chdir=TRUE)`, p.RunFileCommand("/tmp/a.R"))
}
