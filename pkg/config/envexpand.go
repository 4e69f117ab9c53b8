package config

import (
	"os"
	"strings"
	"text/template"
)

// ExpandEnv expands environment variables in YAML content using Go template
// syntax ({{.VAR_NAME}}). The $ character is left untouched so passwords and
// broker URLs containing $ survive expansion.
//
// Missing variables expand to the empty string; validation catches required
// fields that end up empty. Content without template syntax passes through
// unchanged, as does content that fails to parse as a template.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if idx := strings.IndexByte(kv, '='); idx > 0 {
			env[kv[:idx]] = kv[idx+1:]
		}
	}

	var buf strings.Builder
	if err := tmpl.Execute(&buf, env); err != nil {
		return data
	}
	return []byte(buf.String())
}
