package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestExpandEnv(t *testing.T) {
	tests := []struct {
		name  string
		input string
		env   map[string]string
		want  string
	}{
		{
			name:  "braced substitution",
			input: "catalog:\n  path: ${CATALOG_PATH}",
			env:   map[string]string{"CATALOG_PATH": "/etc/toolrunner/catalog.json"},
			want:  "catalog:\n  path: /etc/toolrunner/catalog.json",
		},
		{
			name:  "bare substitution",
			input: "listen_addr: $LISTEN_ADDR",
			env:   map[string]string{"LISTEN_ADDR": ":9000"},
			want:  "listen_addr: :9000",
		},
		{
			name:  "multiple substitutions in one line",
			input: "addr: ${HOST}:${PORT}",
			env:   map[string]string{"HOST": "db.internal", "PORT": "5432"},
			want:  "addr: db.internal:5432",
		},
		{
			name:  "missing variable expands to empty",
			input: "path: ${NOT_SET_ANYWHERE}",
			env:   map[string]string{},
			want:  "path: ",
		},
		{
			name:  "plain content untouched",
			input: "worker:\n  worker_count: 4",
			env:   map[string]string{},
			want:  "worker:\n  worker_count: 4",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			got := ExpandEnv([]byte(tt.input))
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestExpandEnv_ResultStaysValidYAML(t *testing.T) {
	t.Setenv("TR_CATALOG", "/srv/catalog.json")

	input := []byte("catalog:\n  path: ${TR_CATALOG}\nworker:\n  worker_count: 2\n")
	var doc yamlDoc
	require.NoError(t, yaml.Unmarshal(ExpandEnv(input), &doc))
	require.NotNil(t, doc.Catalog)
	assert.Equal(t, "/srv/catalog.json", doc.Catalog.Path)
	require.NotNil(t, doc.Worker)
	assert.Equal(t, 2, doc.Worker.WorkerCount)
}
