package cli

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOutputFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    OutputFormat
		wantErr bool
	}{
		{in: "", want: OutputFormatTable},
		{in: "table", want: OutputFormatTable},
		{in: "JSON", want: OutputFormatJSON},
		{in: "yml", want: OutputFormatYAML},
		{in: "xml", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseOutputFormat(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestKeyValueBuilderKeepsOrder(t *testing.T) {
	var buf bytes.Buffer
	err := NewKeyValueBuilder("Authentication").
		Add("Status", "Logged in").
		Add("Email", "dev@example.com").
		Add("Empty", "").
		AddIf(false, "Token", "secret").
		Write(mustDataWriter(t, &buf, "table"))
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "Authentication")
	assert.Less(t, strings.Index(out, "Status:"), strings.Index(out, "Email:"))
	assert.NotContains(t, out, "Empty")
	assert.NotContains(t, out, "Token")
}

func TestTableBuilderFormats(t *testing.T) {
	build := func() *TableBuilder {
		return NewTableBuilder("ID", "NAME").AddRow("github", "GitHub").AddRow("gitlab", "GitLab")
	}

	t.Run("table", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, build().Write(mustDataWriter(t, &buf, "table")))
		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		require.Len(t, lines, 3)
		assert.True(t, strings.HasPrefix(lines[0], "ID"))
		assert.Contains(t, lines[1], "GitHub")
	})

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, build().Write(mustDataWriter(t, &buf, "json")))
		assert.Contains(t, buf.String(), `"id": "github"`)
		assert.Contains(t, buf.String(), `"name": "GitLab"`)
	})

	t.Run("yaml", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, build().Write(mustDataWriter(t, &buf, "yaml")))
		assert.Contains(t, buf.String(), "- id: github")
		assert.Contains(t, buf.String(), "name: GitLab")
	})
}

func TestWriteStructRequiresStructuredFormat(t *testing.T) {
	err := mustDataWriter(t, &bytes.Buffer{}, "table").WriteStruct(map[string]string{"a": "b"})
	assert.Error(t, err)
}

func TestNewDataWriterRejectsUnknownFormat(t *testing.T) {
	_, err := NewDataWriter(&bytes.Buffer{}, "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "xml")
}

func mustDataWriter(t *testing.T, out io.Writer, format string) *DataWriter {
	t.Helper()
	dw, err := NewDataWriter(out, format)
	require.NoError(t, err)
	return dw
}
