package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/tuannm99/novaidx/internal/btree"
	"github.com/tuannm99/novaidx/internal/storage"
)

const metaSuffix = ".meta.json"

// IndexMeta is the catalog entry of one index. Key columns come first,
// then the INCLUDE columns.
type IndexMeta struct {
	Name              string    `json:"name"`
	Columns           []string  `json:"columns"`
	NKeyAtts          int       `json:"nkeyatts"`
	Unique            bool      `json:"unique"`
	LeafFillFactor    int       `json:"leaf_fillfactor,omitempty"`
	NonLeafFillFactor int       `json:"nonleaf_fillfactor,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// TableMeta is the catalog entry of one table, with its indexes.
type TableMeta struct {
	Name    string         `json:"name"`
	Columns []btree.Column `json:"columns"`
	Indexes []IndexMeta    `json:"indexes"`
	// NextPage is the first heap page not used when the table was last
	// checkpointed. Rows below it survive only through their index entries.
	NextPage  uint32    `json:"next_page"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (m *TableMeta) columnIndex(name string) int {
	return slices.IndexFunc(m.Columns, func(c btree.Column) bool { return c.Name == name })
}

func (m *TableMeta) findIndex(name string) (int, *IndexMeta) {
	for i := range m.Indexes {
		if m.Indexes[i].Name == name {
			return i, &m.Indexes[i]
		}
	}
	return -1, nil
}

// indexDesc builds the tuple descriptor of im from the table columns.
func (m *TableMeta) indexDesc(im *IndexMeta) (btree.TupleDesc, []int, error) {
	desc := btree.TupleDesc{NKeyAtts: im.NKeyAtts}
	proj := make([]int, 0, len(im.Columns))
	for _, name := range im.Columns {
		ci := m.columnIndex(name)
		if ci < 0 {
			return btree.TupleDesc{}, nil, fmt.Errorf("%w: %s.%s", ErrBadColumn, m.Name, name)
		}
		desc.Columns = append(desc.Columns, m.Columns[ci])
		proj = append(proj, ci)
	}
	return desc, proj, desc.Validate()
}

func validateIdent(s string) error {
	if s == "" || len(s) > 63 {
		return fmt.Errorf("identifier %q must have 1 to 63 characters", s)
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return fmt.Errorf("identifier %q has invalid character %q", s, r)
		}
	}
	return nil
}

func (db *Database) tableDir() string {
	return filepath.Join(db.dir, "tables")
}

func (db *Database) indexDir() string {
	return filepath.Join(db.dir, "indexes")
}

func (db *Database) tableMetaPath(name string) string {
	return filepath.Join(db.tableDir(), name+metaSuffix)
}

func (db *Database) indexFileSet(name string) storage.LocalFileSet {
	return storage.LocalFileSet{Dir: db.indexDir(), Base: name}
}

func (db *Database) writeTableMeta(meta *TableMeta) error {
	if err := os.MkdirAll(db.tableDir(), storage.FileMode0755); err != nil {
		return err
	}
	meta.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(db.tableMetaPath(meta.Name), data, storage.FileMode0644)
}

func (db *Database) readTableMeta(name string) (*TableMeta, error) {
	data, err := os.ReadFile(db.tableMetaPath(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrTableNotFound, name)
		}
		return nil, err
	}
	var meta TableMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("engine: table meta %s: %w", name, err)
	}
	return &meta, nil
}

// listTableMetas reads every table entry of the catalog.
func (db *Database) listTableMetas() ([]*TableMeta, error) {
	entries, err := os.ReadDir(db.tableDir())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []*TableMeta
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), metaSuffix)
		if e.IsDir() || !ok {
			continue
		}
		meta, err := db.readTableMeta(name)
		if err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	return out, nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	tmp, err := os.CreateTemp(dir, base+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	ok := false
	defer func() {
		_ = tmp.Close()
		if !ok {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	ok = true
	return nil
}
