package engine

import (
	"fmt"
	"os"
	"regexp"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Profile describes how to drive one interpreter dialect: how to launch it,
// how to delimit a command's output, and how to recognize failures in it.
type Profile struct {
	// Name identifies the profile ("r", "octave", ...).
	Name string `yaml:"name"`

	// Command is the argv used to launch the interpreter; Command[0] may be
	// overridden by configuration.
	Command []string `yaml:"command"`

	// Marker is a printf-style template producing an interpreter command that
	// echoes its single %s argument on a line of its own. It is sent after
	// every user command so the reader knows where captured output ends.
	Marker string `yaml:"marker"`

	// RCPattern is a regexp matched against captured output to detect a
	// failed command. If it has a capture group the group is parsed as the
	// numeric return code; otherwise a match means code 1.
	RCPattern string `yaml:"rcPattern"`

	// RunFile is a printf-style template turning a script path (%q quoted)
	// into the interpreter command that executes it.
	RunFile string `yaml:"runFile"`

	// Warmup is a minimal graphics-producing command used by the
	// initialization barrier before the pool opens for traffic.
	Warmup string `yaml:"warmup"`

	// Quit is the command that makes the interpreter exit cleanly.
	Quit string `yaml:"quit"`

	rcRe *regexp.Regexp
}

// builtinProfiles returns the dialect profiles shipped with the server.
func builtinProfiles() map[string]Profile {
	return map[string]Profile{
		"r": {
			Name:      "r",
			Command:   []string{"R", "--no-save", "--quiet", "--no-echo"},
			Marker:    `cat(%q, "\n", sep="")`,
			RCPattern: `(?m)^Error\b`,
			RunFile:   `source(%q, chdir=TRUE)`,
			Warmup:    `invisible({grDevices::png(tempfile(fileext=".png")); plot(0); grDevices::dev.off()})`,
			Quit:      `q(save="no")`,
		},
		"octave": {
			Name:      "octave",
			Command:   []string{"octave", "--no-gui", "--quiet", "--norc"},
			Marker:    `printf("%s\n")`,
			RCPattern: `(?m)^(?:parse )?error:`,
			RunFile:   `run(%q)`,
			Warmup:    `figure("visible","off"); plot(0); close all;`,
			Quit:      `quit`,
		},
	}
}

// ResolveProfile returns the named profile, consulting the built-ins and, if
// profilesFile is non-empty, a YAML file of additional profiles. File-defined
// profiles shadow built-ins of the same name.
func ResolveProfile(name, profilesFile string) (Profile, error) {
	profiles := builtinProfiles()

	if profilesFile != "" {
		extra, err := LoadProfiles(profilesFile)
		if err != nil {
			return Profile{}, err
		}
		for n, p := range extra {
			profiles[n] = p
		}
	}

	p, ok := profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("unknown engine profile %q", name)
	}
	if err := p.compile(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// LoadProfiles reads additional dialect profiles from a YAML file of the form:
//
//	profiles:
//	  julia:
//	    command: ["julia", "-q"]
//	    marker: 'println(%q)'
//	    ...
func LoadProfiles(path string) (map[string]Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles file: %w", err)
	}

	var doc struct {
		Profiles map[string]Profile `yaml:"profiles"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse profiles file: %w", err)
	}

	for name, p := range doc.Profiles {
		if p.Name == "" {
			p.Name = name
		}
		if len(p.Command) == 0 {
			return nil, fmt.Errorf("profile %q: command is required", name)
		}
		doc.Profiles[name] = p
	}
	return doc.Profiles, nil
}

// compile validates the profile and prepares its regexp.
func (p *Profile) compile() error {
	if len(p.Command) == 0 {
		return fmt.Errorf("profile %q: empty command", p.Name)
	}
	if p.RCPattern != "" {
		re, err := regexp.Compile(p.RCPattern)
		if err != nil {
			return fmt.Errorf("profile %q: rcPattern: %w", p.Name, err)
		}
		p.rcRe = re
	}
	return nil
}

// DetectRC scans captured output for the profile's failure pattern and
// returns the extracted return code, or 0 when the output looks clean.
func (p *Profile) DetectRC(output string) int {
	if p.rcRe == nil {
		return 0
	}
	m := p.rcRe.FindStringSubmatch(output)
	if m == nil {
		return 0
	}
	if len(m) > 1 && m[1] != "" {
		if code, err := strconv.Atoi(m[1]); err == nil {
			return code
		}
	}
	return 1
}

// MarkerCommand renders the interpreter command that echoes the marker token.
func (p *Profile) MarkerCommand(token string) string {
	return fmt.Sprintf(p.Marker, token)
}

// RunFileCommand renders the interpreter command that executes a script file.
func (p *Profile) RunFileCommand(path string) string {
	return fmt.Sprintf(p.RunFile, path)
}
