package config

import (
	"bytes"
	"os"
	"strings"
	"text/template"
)

// ExpandEnv substitutes {{.VAR}} references in config content with the value
// of the named environment variable. Template syntax is used instead of
// $-expansion because blueprint files carry ${params.*} and ${runner.*}
// placeholders that must reach the two-stage resolver untouched.
//
// Unset variables expand to the empty string; required fields left empty are
// caught by validation. Content that does not parse or execute as a template
// is returned unchanged so plain YAML passes through.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if key, value, ok := strings.Cut(kv, "="); ok {
			env[key] = value
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, env); err != nil {
		return data
	}
	return buf.Bytes()
}
