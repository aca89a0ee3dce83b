package orchestrator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/modhost/internal/config/loader"
)

func TestReadEnabledList(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []string
		wantErr bool
	}{
		{"list", "- alerts\n- billing\n", []string{"alerts", "billing"}, false},
		{"mapping", "active_modules:\n  - alerts\n", []string{"alerts"}, false},
		{"mapping without key", "other: 1\n", nil, false},
		{"empty", "", nil, false},
		{"null list", "active_modules:\n", nil, false},
		{"scalar", "alerts\n", nil, true},
		{"non-string entry", "- 3\n", nil, true},
		{"blank entry", "- \"\"\n", nil, true},
		{"mapping with scalar", "active_modules: alerts\n", nil, true},
		{"malformed", "- [unclosed\n", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), EnabledFile)
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))

			got, err := ReadEnabledList(loader.New(), path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadEnabledListMissing(t *testing.T) {
	got, err := ReadEnabledList(loader.New(), filepath.Join(t.TempDir(), EnabledFile))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestWriteEnabledList(t *testing.T) {
	path := EnabledPath(filepath.Join(t.TempDir(), "user"))
	require.NoError(t, WriteEnabledList(path, []string{"alerts", "billing"}))

	got, err := ReadEnabledList(loader.New(), path)
	require.NoError(t, err)
	assert.Equal(t, []string{"alerts", "billing"}, got)

	require.NoError(t, WriteEnabledList(path, nil))
	got, err = ReadEnabledList(loader.New(), path)
	require.NoError(t, err)
	assert.Empty(t, got)
}
