package wal

import (
	"bufio"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/tuannm99/novaidx/internal/alias/bx"
)

var (
	ErrBadMagic  = errors.New("wal: bad magic")
	ErrBadCRC    = errors.New("wal: bad crc")
	ErrBadRecord = errors.New("wal: bad record")
	ErrShortRead = errors.New("wal: short read")
	ErrNoWALFile = errors.New("wal: wal file not found")
	ErrNoPages   = errors.New("wal: record has no page images")
)

const (
	magicU32   uint32 = 0x4C41574E // "NWAL"
	versionU16        = 2

	// magic(4) ver(2) typ(1) rsv(1) totalLen(4) crc(4)
	headerLen = 16
	// lsn(8) dirLen(2) baseLen(2) nPages(2)
	bodyFixedLen = 14
	// blk(4) codec(1) rawLen(4) dataLen(4)
	imageHeaderLen = 13

	FileName = "wal.log"
)

// RecordType tags a record with the operation that produced it. Values are
// owned by the logging subsystem (for example the B-tree); replay treats
// every record as a set of page images.
type RecordType uint8

// PageWriter allows WAL to apply redo without importing storage.
type PageWriter interface {
	WritePage(dir, base string, pageID uint32, lsn uint64, pageBytes []byte) error
}

// Options configures a Manager.
type Options struct {
	// Codec compresses page images.
	Codec Codec
	// NoSync skips fdatasync on Flush (tests, benchmarks).
	NoSync bool
}

type Manager struct {
	mu      sync.Mutex
	f       *os.File
	path    string
	opts    Options
	lsn     uint64
	flushed uint64
}

// Open opens (or creates) dir/wal.log. A torn tail left by a crash is cut
// off so new records directly follow the last valid one.
func Open(dir string, opts Options) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, FileName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	m := &Manager{f: f, path: path, opts: opts}
	if err := m.initLastLSN(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return m, nil
}

func (m *Manager) Close() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.f == nil {
		return nil
	}
	err := m.f.Close()
	m.f = nil
	return err
}

// LastLSN returns the LSN of the newest appended record.
func (m *Manager) LastLSN() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lsn
}

// FlushedLSN returns the LSN up to which the log is durable.
func (m *Manager) FlushedLSN() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushed
}

// PageImage is one page registered in a record.
type PageImage struct {
	Block uint32
	Image []byte
}

// Record collects the page images of one atomic change. It is appended
// as a single unit: replay applies all of its pages or none.
type Record struct {
	m     *Manager
	Type  RecordType
	Dir   string
	Base  string
	LSN   uint64
	Pages []PageImage
}

// BeginRecord starts a record for relation (dir, base).
func (m *Manager) BeginRecord(typ RecordType, dir, base string) *Record {
	return &Record{m: m, Type: typ, Dir: filepath.Clean(dir), Base: base}
}

// RegisterPage adds a copy of a page image to the record.
func (r *Record) RegisterPage(blk uint32, img []byte) {
	r.Pages = append(r.Pages, PageImage{Block: blk, Image: slices.Clone(img)})
}

// Append writes the record and returns its LSN.
func (r *Record) Append() (uint64, error) {
	if len(r.Pages) == 0 {
		return 0, ErrNoPages
	}
	type stored struct {
		codec Codec
		data  []byte
	}
	imgs := make([]stored, len(r.Pages))
	bodyLen := bodyFixedLen + len(r.Dir) + len(r.Base)
	for i, pg := range r.Pages {
		data, c, err := compressImage(pg.Image, r.m.opts.Codec)
		if err != nil {
			return 0, err
		}
		imgs[i] = stored{codec: c, data: data}
		bodyLen += imageHeaderLen + len(data)
	}

	m := r.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.f == nil {
		return 0, ErrNoWALFile
	}

	lsn := m.lsn + 1

	buf := make([]byte, headerLen, headerLen+bodyLen)
	bx.PutU32At(buf, 0, magicU32)
	bx.PutU16At(buf, 4, versionU16)
	buf[6] = byte(r.Type)
	buf[7] = 0
	bx.PutU32At(buf, 8, uint32(headerLen+bodyLen))

	buf = bx.AppendU64(buf, lsn)
	buf = bx.AppendU16(buf, uint16(len(r.Dir)))
	buf = bx.AppendU16(buf, uint16(len(r.Base)))
	buf = append(buf, r.Dir...)
	buf = append(buf, r.Base...)
	buf = bx.AppendU16(buf, uint16(len(r.Pages)))
	for i, pg := range r.Pages {
		buf = bx.AppendU32(buf, pg.Block)
		buf = append(buf, byte(imgs[i].codec))
		buf = bx.AppendU32(buf, uint32(len(pg.Image)))
		buf = bx.AppendU32(buf, uint32(len(imgs[i].data)))
		buf = append(buf, imgs[i].data...)
	}
	if len(buf) != headerLen+bodyLen {
		return 0, ErrBadRecord
	}
	bx.PutU32At(buf, 12, crc32.ChecksumIEEE(buf[headerLen:]))

	if _, err := m.f.Write(buf); err != nil {
		return 0, fmt.Errorf("wal: append lsn %d: %w", lsn, err)
	}
	m.lsn = lsn
	r.LSN = lsn
	return lsn, nil
}

// Flush makes every record up to and including upto durable.
func (m *Manager) Flush(upto uint64) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.f == nil {
		return nil
	}
	if upto == 0 || upto <= m.flushed {
		return nil
	}
	if !m.opts.NoSync {
		if err := fdatasync(m.f); err != nil {
			return fmt.Errorf("wal: fdatasync: %w", err)
		}
	}
	m.flushed = m.lsn
	return nil
}

// RecoveryStats summarizes a replay.
type RecoveryStats struct {
	Records int
	Pages   int
	LastLSN uint64
}

// Recover replays WAL page images (redo) using writer, oldest first.
func (m *Manager) Recover(writer PageWriter) (RecoveryStats, error) {
	var st RecoveryStats
	if m == nil {
		return st, nil
	}
	err := m.Scan(func(rec *Record) error {
		for _, pg := range rec.Pages {
			if err := writer.WritePage(rec.Dir, rec.Base, pg.Block, rec.LSN, pg.Image); err != nil {
				return fmt.Errorf("wal: redo lsn %d page %d: %w", rec.LSN, pg.Block, err)
			}
			st.Pages++
		}
		st.Records++
		st.LastLSN = rec.LSN
		return nil
	})
	if err != nil {
		return st, err
	}
	slog.Info("wal.recovered", "records", st.Records, "pages", st.Pages, "lastLSN", st.LastLSN)
	return st, nil
}

// Scan calls fn for every valid record in LSN order and stops at the end
// of the valid log.
func (m *Manager) Scan(fn func(*Record) error) error {
	m.mu.Lock()
	path := m.path
	m.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReaderSize(f, 1<<20)
	for {
		rec, _, err := readOne(r)
		if err != nil {
			if isEndOfLog(err) {
				return nil
			}
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

// isEndOfLog reports whether a read error marks the end of the valid log,
// a torn tail included.
func isEndOfLog(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, ErrShortRead) ||
		errors.Is(err, ErrBadCRC) ||
		errors.Is(err, ErrBadMagic)
}

func readOne(r *bufio.Reader) (*Record, int, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, 0, err
	}
	if bx.U32At(hdr[:], 0) != magicU32 {
		return nil, 0, ErrBadMagic
	}
	if bx.U16At(hdr[:], 4) != versionU16 {
		return nil, 0, ErrBadRecord
	}
	typ := RecordType(hdr[6])
	totalLen := int(bx.U32At(hdr[:], 8))
	wantCRC := bx.U32At(hdr[:], 12)
	if totalLen < headerLen+bodyFixedLen {
		return nil, 0, ErrBadRecord
	}

	body := make([]byte, totalLen-headerLen)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, 0, ErrShortRead
		}
		return nil, 0, err
	}
	if crc32.ChecksumIEEE(body) != wantCRC {
		return nil, 0, ErrBadCRC
	}

	rec, err := decodeBody(typ, body)
	if err != nil {
		return nil, 0, err
	}
	return rec, totalLen, nil
}

func decodeBody(typ RecordType, body []byte) (*Record, error) {
	off := 0
	need := func(n int) bool { return off+n <= len(body) }

	rec := &Record{Type: typ}
	rec.LSN = bx.U64At(body, off)
	dirLen := int(bx.U16At(body, off+8))
	baseLen := int(bx.U16At(body, off+10))
	off += 12
	if !need(dirLen + baseLen + 2) {
		return nil, ErrBadRecord
	}
	rec.Dir = string(body[off : off+dirLen])
	off += dirLen
	rec.Base = string(body[off : off+baseLen])
	off += baseLen
	n := int(bx.U16At(body, off))
	off += 2

	rec.Pages = make([]PageImage, 0, n)
	for range n {
		if !need(imageHeaderLen) {
			return nil, ErrBadRecord
		}
		blk := bx.U32At(body, off)
		c := Codec(body[off+4])
		rawLen := int(bx.U32At(body, off+5))
		dataLen := int(bx.U32At(body, off+9))
		off += imageHeaderLen
		if !need(dataLen) {
			return nil, ErrBadRecord
		}
		img, err := decompressImage(body[off:off+dataLen], c, rawLen)
		if err != nil {
			return nil, err
		}
		off += dataLen
		rec.Pages = append(rec.Pages, PageImage{Block: blk, Image: img})
	}
	return rec, nil
}

// initLastLSN finds the newest valid record and truncates anything after
// it.
func (m *Manager) initLastLSN() error {
	f, err := os.Open(m.path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReaderSize(f, 1<<20)
	var last uint64
	var validEnd int64

	for {
		rec, n, err := readOne(r)
		if err != nil {
			if !isEndOfLog(err) {
				return err
			}
			break
		}
		last = rec.LSN
		validEnd += int64(n)
	}

	info, err := m.f.Stat()
	if err != nil {
		return err
	}
	if info.Size() > validEnd {
		slog.Warn("wal.truncate_torn_tail", "path", m.path, "size", info.Size(), "validEnd", validEnd)
		if err := m.f.Truncate(validEnd); err != nil {
			return err
		}
	}

	m.lsn = last
	m.flushed = last
	return nil
}
