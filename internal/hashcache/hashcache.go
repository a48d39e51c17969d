// Package hashcache is the persisted (path, mtime, size) -> FileDigest
// cache (spec §4.A), so repeat uploads and sync runs skip re-hashing
// unchanged files. The in-memory fast path layers github.com/patrickmn/go-cache
// the way backend/cache/storage_memory.go wraps it around a plain map, and
// the on-disk layout (JSON snapshot + append-only journal, atomic
// write-temp-then-rename on flush) is reconstructed in the general Go
// idiom backend/local/local.go uses for renaming into place (os.Rename as
// the commit step), since no teacher file persists a cache to disk.
package hashcache

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/y-itao/baidupan/model"
)

// Key identifies one cache entry: a local path plus the file stat it was
// computed against. A change in mtime or size invalidates the entry.
type Key struct {
	Path  string
	MTime time.Time
	Size  int64
}

func (k Key) string() string {
	return k.Path + "\x00" + k.MTime.UTC().Format(time.RFC3339Nano) + "\x00" + itoa(k.Size)
}

func itoa(n int64) string {
	buf := make([]byte, 0, 20)
	return string(appendInt(buf, n))
}

func appendInt(buf []byte, n int64) []byte {
	if n == 0 {
		return append(buf, '0')
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var tmp [20]byte
	i := len(tmp)
	for n > 0 {
		i--
		tmp[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		tmp[i] = '-'
	}
	return append(buf, tmp[i:]...)
}

type record struct {
	Path     string `json:"path"`
	MTimeRFC string `json:"mtime"`
	Size     int64  `json:"size"`
	Digest   digestRecord
}

type digestRecord struct {
	MD5      string `json:"md5"`
	SliceMD5 string `json:"slice_md5"`
	CRC32    uint32 `json:"crc32"`
	FileSize uint64 `json:"file_size"`
}

func toRecord(k Key, d model.FileDigest) record {
	return record{
		Path:     k.Path,
		MTimeRFC: k.MTime.UTC().Format(time.RFC3339Nano),
		Size:     k.Size,
		Digest: digestRecord{
			MD5:      d.MD5Hex(),
			SliceMD5: d.SliceMD5Hex(),
			CRC32:    d.CRC32,
			FileSize: d.Size,
		},
	}
}

func (r record) key() (Key, error) {
	t, err := time.Parse(time.RFC3339Nano, r.MTimeRFC)
	if err != nil {
		return Key{}, err
	}
	return Key{Path: r.Path, MTime: t, Size: r.Size}, nil
}

func (r record) digest() (model.FileDigest, error) {
	var d model.FileDigest
	md5b, err := decodeHex(r.Digest.MD5)
	if err != nil {
		return d, err
	}
	sliceb, err := decodeHex(r.Digest.SliceMD5)
	if err != nil {
		return d, err
	}
	copy(d.MD5[:], md5b)
	copy(d.SliceMD5[:], sliceb)
	d.CRC32 = r.Digest.CRC32
	d.Size = r.Digest.FileSize
	return d, nil
}

func decodeHex(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, errors.New("hashcache: odd-length hex string")
	}
	out := make([]byte, len(s)/2)
	for i := range out {
		hi, err := hexDigit(s[i*2])
		if err != nil {
			return nil, err
		}
		lo, err := hexDigit(s[i*2+1])
		if err != nil {
			return nil, err
		}
		out[i] = hi<<4 | lo
	}
	return out, nil
}

func hexDigit(b byte) (byte, error) {
	switch {
	case b >= '0' && b <= '9':
		return b - '0', nil
	case b >= 'a' && b <= 'f':
		return b - 'a' + 10, nil
	case b >= 'A' && b <= 'F':
		return b - 'A' + 10, nil
	default:
		return 0, errors.New("hashcache: invalid hex digit")
	}
}

// Cache is the persisted digest cache. A read goes to the in-memory
// go-cache layer first; a miss falls through to nothing (the caller
// recomputes), since disk state is only consulted at Open.
type Cache struct {
	mu   sync.Mutex
	mem  *cache.Cache
	path string // snapshot file; path+".journal" is the append log
	jf   *os.File
	dirty bool
}

// Open loads path (and its journal, if present) into memory and keeps the
// journal file open for appending. path may not yet exist, in which case
// Open starts with an empty cache.
func Open(path string) (*Cache, error) {
	c := &Cache{mem: cache.New(cache.NoExpiration, 10 * time.Minute), path: path}
	if err := c.loadSnapshot(); err != nil {
		return nil, err
	}
	if err := c.replayJournal(); err != nil {
		// A corrupt journal is discarded silently (spec §4.A edge case):
		// the snapshot is still trustworthy, the journal just never
		// reached a clean flush.
		_ = os.Remove(c.journalPath())
	}
	jf, err := os.OpenFile(c.journalPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	c.jf = jf
	return c, nil
}

func (c *Cache) journalPath() string { return c.path + ".journal" }

func (c *Cache) loadSnapshot() error {
	f, err := os.Open(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	var records []record
	if err := json.NewDecoder(f).Decode(&records); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		// A corrupt snapshot is treated the same as an empty cache
		// rather than failing Open outright.
		return nil
	}
	for _, r := range records {
		c.ingest(r)
	}
	return nil
}

func (c *Cache) replayJournal() error {
	f, err := os.Open(c.journalPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var r record
		if err := json.Unmarshal(line, &r); err != nil {
			return err // stop at the first corrupt line; caller discards the whole journal
		}
		c.ingest(r)
	}
	return sc.Err()
}

// entry is what the in-memory layer actually stores, keeping the parsed
// Key alongside its digest so Flush can re-serialize without having to
// reverse the cache key string.
type entry struct {
	key    Key
	digest model.FileDigest
}

func (c *Cache) ingest(r record) {
	k, err := r.key()
	if err != nil {
		return
	}
	d, err := r.digest()
	if err != nil {
		return
	}
	c.mem.Set(k.string(), entry{key: k, digest: d}, cache.NoExpiration)
}

// Lookup returns the cached digest for k, if present and still valid for
// that exact (path, mtime, size) triple.
func (c *Cache) Lookup(k Key) (model.FileDigest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, found := c.mem.Get(k.string())
	if !found {
		return model.FileDigest{}, false
	}
	return v.(entry).digest, true
}

// Store records k -> d, both in memory and as an appended journal line.
// The journal line is fsynced so a crash before the next Flush doesn't
// lose it.
func (c *Cache) Store(k Key, d model.FileDigest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mem.Set(k.string(), entry{key: k, digest: d}, cache.NoExpiration)
	c.dirty = true
	buf, err := json.Marshal(toRecord(k, d))
	if err != nil {
		return err
	}
	buf = append(buf, '\n')
	if _, err := c.jf.Write(buf); err != nil {
		return err
	}
	return c.jf.Sync()
}

// Flush compacts the in-memory state into a fresh snapshot file (written
// to a temp file in the same directory, then renamed into place so a
// reader never observes a partially-written snapshot) and truncates the
// journal.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty {
		return nil
	}
	records := make([]record, 0, c.mem.ItemCount())
	for _, item := range c.mem.Items() {
		e, ok := item.Object.(entry)
		if !ok {
			continue
		}
		records = append(records, toRecord(e.key, e.digest))
	}
	dir := filepath.Dir(c.path)
	tmp, err := os.CreateTemp(dir, ".hashcache-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	enc := json.NewEncoder(tmp)
	if err := enc.Encode(records); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, c.path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := c.jf.Truncate(0); err != nil {
		return err
	}
	if _, err := c.jf.Seek(0, io.SeekStart); err != nil {
		return err
	}
	c.dirty = false
	return nil
}

// Close flushes and releases the journal file handle.
func (c *Cache) Close() error {
	if err := c.Flush(); err != nil {
		return err
	}
	return c.jf.Close()
}

