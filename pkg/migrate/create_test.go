package migrate

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCreateSQLMigrationWritesValidFile(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)

	path, err := createSQLMigration(dir, "Add Payout Notes!", now)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "20260301123000_add_payout_notes.sql"), path)
	require.NoError(t, ValidateDir(dir))

	_, err = createSQLMigration(dir, "add payout notes", now)
	require.Error(t, err)
	require.Contains(t, err.Error(), "already exists")
}

func TestCreateSQLMigrationRejectsEmptyName(t *testing.T) {
	_, err := createSQLMigration(t.TempDir(), "  !!  ", time.Now())
	require.Error(t, err)
}

func TestValidateFS(t *testing.T) {
	valid := "-- +goose Up\n-- +goose StatementBegin\nSELECT 1;\n-- +goose StatementEnd\n-- +goose Down\nSELECT 1;\n"
	cases := []struct {
		name  string
		files fstest.MapFS
		err   string
	}{
		{"valid", fstest.MapFS{"m/20260101000000_a.sql": {Data: []byte(valid)}}, ""},
		{"bad name", fstest.MapFS{"m/2026_a.sql": {Data: []byte(valid)}}, "invalid migration filename"},
		{"duplicate", fstest.MapFS{
			"m/20260101000000_a.sql": {Data: []byte(valid)},
			"m/20260101000000_b.sql": {Data: []byte(valid)},
		}, "duplicate migration version"},
		{"no down", fstest.MapFS{"m/20260101000000_a.sql": {Data: []byte("-- +goose Up\n")}}, "missing"},
		{"unbalanced", fstest.MapFS{"m/20260101000000_a.sql": {Data: []byte("-- +goose Up\n-- +goose StatementBegin\n-- +goose Down\n")}}, "StatementBegin"},
		{"ignores other files", fstest.MapFS{"m/README.md": {Data: []byte("notes")}}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateFS(tc.files, "m")
			if tc.err == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.True(t, strings.Contains(err.Error(), tc.err), err.Error())
		})
	}
}

func TestEmbeddedMigrationsMatchDisk(t *testing.T) {
	require.NoError(t, ValidateEmbedded())
	onDisk, err := os.ReadDir("migrations")
	require.NoError(t, err)
	embeddedEntries, err := embedded.ReadDir(embeddedDir)
	require.NoError(t, err)
	require.Len(t, embeddedEntries, len(onDisk))
}

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion("20260301090000")
	require.NoError(t, err)
	require.Equal(t, int64(20260301090000), v)

	for _, bad := range []string{"", "2026", "2026030109000x"} {
		_, err := ParseVersion(bad)
		require.Error(t, err, bad)
	}
}
