package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandEnv(t *testing.T) {
	tests := []struct {
		name  string
		input string
		env   map[string]string
		want  string
	}{
		{
			name:  "simple substitution with {{.VAR}}",
			input: "password: {{.DB_PASSWORD}}",
			env:   map[string]string{"DB_PASSWORD": "secret123"},
			want:  "password: secret123",
		},
		{
			name:  "literal ${VAR} is NOT expanded",
			input: "pattern: ${USER_ID}",
			env:   map[string]string{"USER_ID": "123"},
			want:  "pattern: ${USER_ID}",
		},
		{
			name:  "literal dollar preserved",
			input: "password: p@ss$word",
			env:   map[string]string{},
			want:  "password: p@ss$word",
		},
		{
			name:  "multiple substitutions in one line",
			input: "addr: {{.HOST}}:{{.PORT}}",
			env:   map[string]string{"HOST": "localhost", "PORT": "5432"},
			want:  "addr: localhost:5432",
		},
		{
			name:  "missing variable expands to empty",
			input: "endpoint: {{.MISSING_VAR}}",
			env:   map[string]string{},
			want:  "endpoint: ",
		},
		{
			name:  "no substitution when no variables",
			input: "static: value",
			env:   map[string]string{"UNUSED": "value"},
			want:  "static: value",
		},
		{
			name:  "variables in nested YAML structure",
			input: "server:\n  host: {{.HOST}}\n  port: {{.PORT}}",
			env:   map[string]string{"HOST": "0.0.0.0", "PORT": "8080"},
			want:  "server:\n  host: 0.0.0.0\n  port: 8080",
		},
		{
			name:  "special characters in expanded value",
			input: "password: {{.PASSWORD}}",
			env:   map[string]string{"PASSWORD": "p@ssw0rd!#$%"},
			want:  "password: p@ssw0rd!#$%",
		},
		{
			name:  "empty string variable",
			input: "value: {{.EMPTY}}",
			env:   map[string]string{"EMPTY": ""},
			want:  "value: ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			result := ExpandEnv([]byte(tt.input))
			assert.Equal(t, tt.want, string(result))
		})
	}
}

// Malformed template syntax passes through unchanged so the YAML parser can
// handle the content or fail with a clearer error message.
func TestExpandEnvMalformedTemplates(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "unclosed template", input: "api_key: {{.API_KEY"},
		{name: "only opening braces", input: "api_key: {{"},
		{name: "missing one closing brace", input: "api_key: {{.API_KEY}"},
		{name: "variable without leading dot", input: "api_key: {{API_KEY}}"},
		{name: "undefined function", input: "api_key: {{.API_KEY | upper}}"},
		{name: "unclosed in the middle of valid YAML", input: "host: localhost\napi_key: {{.API_KEY\nport: 8080"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("API_KEY", "should-not-appear")

			result := ExpandEnv([]byte(tt.input))
			assert.Equal(t, tt.input, string(result), "malformed template should pass through unchanged")
			assert.NotContains(t, string(result), "should-not-appear")
		})
	}
}

func TestExpandEnvWithEmptyInput(t *testing.T) {
	assert.Equal(t, "", string(ExpandEnv([]byte(""))))
}
