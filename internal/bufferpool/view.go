package bufferpool

import "github.com/tuannm99/novaidx/internal/storage"

// View binds a GlobalPool to a specific relation so index code can use it
// without caring about file sets.
type View struct {
	gp *GlobalPool
	fs storage.LocalFileSet
}

// View returns a relation-scoped handle backed by the shared GlobalPool.
func (g *GlobalPool) View(fs storage.LocalFileSet) *View {
	return &View{gp: g, fs: fs}
}

func (v *View) FileSet() storage.LocalFileSet { return v.fs }

func (v *View) PageSize() int { return v.gp.PageSize() }

func (v *View) ReadBuffer(pageID uint32) (*Buffer, error) {
	return v.gp.ReadBuffer(v.fs, pageID)
}

func (v *View) NewBuffer() (*Buffer, error) {
	return v.gp.NewBuffer(v.fs)
}

func (v *View) NumBlocks() (uint32, error) {
	return v.gp.NumBlocks(v.fs)
}

// Flush writes dirty pages of THIS relation only.
func (v *View) Flush() error {
	return v.gp.FlushFileSet(v.fs)
}
