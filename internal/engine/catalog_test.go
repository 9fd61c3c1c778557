package engine

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tuannm99/novaidx/internal/btree"
)

func TestValidateIdent(t *testing.T) {
	for _, ok := range []string{"users", "users_pkey", "_t1", "A9"} {
		require.NoError(t, validateIdent(ok), ok)
	}
	for _, bad := range []string{"", "9users", "users-pkey", "a b", "ü", strings.Repeat("x", 64)} {
		require.Error(t, validateIdent(bad), bad)
	}
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "users.meta.json")

	require.NoError(t, writeFileAtomic(path, []byte("v1"), 0o644))
	require.NoError(t, writeFileAtomic(path, []byte("v2"), 0o644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "v2", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files are renamed or removed")

	require.Error(t, writeFileAtomic(filepath.Join(dir, "missing", "x.json"), []byte("v"), 0o644))
}

func TestTableMeta_IndexDesc(t *testing.T) {
	meta := &TableMeta{Name: "users", Columns: usersColumns()}
	im := &IndexMeta{Name: "users_email", Columns: []string{"email", "id"}, NKeyAtts: 1}

	desc, proj, err := meta.indexDesc(im)
	require.NoError(t, err)
	require.Equal(t, []int{1, 0}, proj)
	require.Equal(t, 1, desc.NKeyAtts)
	require.Equal(t, btree.TypeText, desc.Columns[0].Type)
	require.Equal(t, btree.TypeInt64, desc.Columns[1].Type)

	im.Columns = []string{"age"}
	_, _, err = meta.indexDesc(im)
	require.ErrorIs(t, err, ErrBadColumn)
}

func TestCatalog_ListSkipsForeignFiles(t *testing.T) {
	db, _ := newUsersDB(t, t.TempDir())
	defer func() { require.NoError(t, db.Close()) }()

	require.NoError(t, os.WriteFile(filepath.Join(db.tableDir(), "notes.txt"), []byte("x"), 0o644))
	metas, err := db.listTableMetas()
	require.NoError(t, err)
	require.Len(t, metas, 1)
	require.Equal(t, "users", metas[0].Name)
	require.Len(t, metas[0].Indexes, 1)
	require.True(t, metas[0].Indexes[0].Unique)

	_, err = db.readTableMeta("orders")
	require.ErrorIs(t, err, ErrTableNotFound)
}
