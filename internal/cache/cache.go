package cache

import (
	"container/list"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/basilfx/subdaap/internal/metrics"
)

// ErrCacheBusy is returned when an entry stays in the downloading state
// longer than a client is willing to wait for it.
var ErrCacheBusy = errors.New("cache: timed out waiting for entry")

// readyTimeout bounds how long a request blocks on another request's
// in-flight download of the same entry.
const readyTimeout = 60 * time.Second

// tempSuffix marks files still being downloaded. They are skipped during
// indexing and never served directly.
const tempSuffix = ".temp"

// An Entry tracks one cached file. Its lifecycle fields (ready, failed,
// iterator, uses, size) are guarded by the owning cache's itemsMu; mu only
// serializes reads on the shared descriptor or mapping.
type Entry struct {
	key int64

	mu     sync.Mutex
	file   *os.File
	mapped []byte

	// ready is nil while unloaded, open while a download is in flight
	// and closed once the iterator is usable.
	ready     chan struct{}
	failed    error
	iterator  Iterator
	uses      int
	size      int64
	permanent bool
}

// Size returns the on-disk size recorded for the entry.
func (e *Entry) Size() int64 {
	return e.size
}

// FileCache stores downloaded files in a flat directory, one file per
// numeric key, and evicts least recently used entries once the configured
// size limit is crossed. Permanent entries count neither against the limit
// nor as eviction candidates.
type FileCache struct {
	name    string
	dir     string
	maxSize int64
	prune   float64
	useMmap bool

	itemsMu     sync.Mutex
	items       map[int64]*list.Element
	order       *list.List // front = least recently used
	permanent   map[int64]bool
	currentSize int64

	pruneMu sync.Mutex
}

// New creates a file cache rooted at dir. maxSize is in bytes; zero means
// unlimited. prune is the fraction of maxSize to free per eviction pass.
// Caches holding small files can set useMmap to serve entries from memory
// mappings instead of file descriptors.
func New(name, dir string, maxSize int64, prune float64, useMmap bool) (*FileCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create directory %s: %w", dir, err)
	}

	return &FileCache{
		name:      name,
		dir:       dir,
		maxSize:   maxSize,
		prune:     prune,
		useMmap:   useMmap,
		items:     make(map[int64]*list.Element),
		order:     list.New(),
		permanent: make(map[int64]bool),
	}, nil
}

func (c *FileCache) path(key int64) string {
	return filepath.Join(c.dir, strconv.FormatInt(key, 10))
}

func (c *FileCache) tempPath(key int64) string {
	return c.path(key) + tempSuffix
}

// Index scans the cache directory, registers every file found and installs
// the new set of permanent keys. Sizes of permanent entries do not count
// toward the cache total.
func (c *FileCache) Index(permanent map[int64]bool) error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("cache: index %s: %w", c.dir, err)
	}

	c.itemsMu.Lock()
	defer c.itemsMu.Unlock()

	if permanent == nil {
		permanent = make(map[int64]bool)
	}
	c.permanent = permanent

	for _, de := range entries {
		name := de.Name()
		if de.IsDir() || strings.HasSuffix(name, tempSuffix) {
			continue
		}

		key, err := strconv.ParseInt(name, 10, 64)
		if err != nil {
			log.Printf("cache: skipping unrecognized file cache=%s name=%s", c.name, name)
			continue
		}

		info, err := de.Info()
		if err != nil {
			continue
		}

		if el, ok := c.items[key]; ok {
			el.Value.(*Entry).size = info.Size()
		} else {
			e := &Entry{key: key, size: info.Size()}
			c.items[key] = c.order.PushBack(e)
		}
	}

	var total int64
	for el := c.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*Entry)
		e.permanent = c.permanent[e.key]
		if !e.permanent {
			total += e.size
		}
	}
	c.currentSize = total
	metrics.CacheSize.WithLabelValues(c.name).Set(float64(total))

	log.Printf("cache: indexed cache=%s entries=%d size=%d", c.name, len(c.items), total)
	return nil
}

// Contains reports whether key is present, either on disk or as a live
// entry.
func (c *FileCache) Contains(key int64) bool {
	c.itemsMu.Lock()
	defer c.itemsMu.Unlock()

	_, ok := c.items[key]
	return ok
}

// Get returns the entry for key. When download reports true the entry is
// reserved for the caller, who must complete it with Download or abandon it
// with Fail. Otherwise the entry is ready and its iterator may be used
// immediately. Callers racing an in-flight download block until it settles
// or readyTimeout passes.
func (c *FileCache) Get(key int64) (e *Entry, download bool, err error) {
	deadline := time.Now().Add(readyTimeout)

	for {
		c.itemsMu.Lock()

		el, ok := c.items[key]
		if ok {
			c.order.MoveToBack(el)
			e = el.Value.(*Entry)
		} else {
			e = &Entry{key: key, permanent: c.permanent[key]}
			c.items[key] = c.order.PushBack(e)
		}

		var wait chan struct{}
		if e.ready == nil {
			// Unloaded. Claim it before releasing the lock.
			e.ready = make(chan struct{})
			e.failed = nil
		} else {
			wait = e.ready
		}
		c.itemsMu.Unlock()

		if wait == nil {
			if _, serr := os.Stat(c.path(key)); serr == nil {
				if lerr := c.load(e); lerr != nil {
					c.Fail(e, lerr)
					return nil, false, lerr
				}
				metrics.CacheHits.WithLabelValues(c.name).Inc()
				return e, false, nil
			}

			metrics.CacheMisses.WithLabelValues(c.name).Inc()
			return e, true, nil
		}

		select {
		case <-wait:
		case <-time.After(time.Until(deadline)):
			return nil, false, ErrCacheBusy
		}

		c.itemsMu.Lock()
		failed, it := e.failed, e.iterator
		c.itemsMu.Unlock()

		if it != nil {
			metrics.CacheHits.WithLabelValues(c.name).Inc()
			return e, false, nil
		}
		if failed != nil {
			return nil, false, failed
		}

		// The entry was unloaded between release and re-check; start over.
		if time.Now().After(deadline) {
			return nil, false, ErrCacheBusy
		}
	}
}

// Download attaches body to an entry reserved by Get. The body is streamed
// to disk in the background; the entry's iterator serves clients while the
// download is still in flight. Once the file is complete it is loaded like
// any disk hit.
func (c *FileCache) Download(e *Entry, body io.ReadCloser) error {
	rs, err := newRemoteStream(body, c.tempPath(e.key), c.path(e.key), func(size int64, derr error) {
		if derr != nil {
			log.Printf("cache: download failed cache=%s key=%d error=%v", c.name, e.key, derr)
			c.Fail(e, derr)
			return
		}
		if lerr := c.load(e); lerr != nil {
			c.Fail(e, lerr)
			return
		}
		log.Printf("cache: downloaded cache=%s key=%d size=%d", c.name, e.key, size)
	})
	if err != nil {
		c.Fail(e, err)
		return err
	}

	c.itemsMu.Lock()
	e.iterator = rs.Iterator()
	c.itemsMu.Unlock()
	return nil
}

// Fail abandons an entry reserved by Get, waking all waiters with err.
func (c *FileCache) Fail(e *Entry, err error) {
	c.itemsMu.Lock()
	ch := e.ready
	e.ready = nil
	e.iterator = nil
	e.failed = err
	c.itemsMu.Unlock()

	if ch != nil {
		select {
		case <-ch:
		default:
			close(ch)
		}
	}
}

// Stream opens a reader over the entry for key. The entry must be ready or
// downloading; br narrows the result to a byte range.
func (c *FileCache) Stream(e *Entry, br *ByteRange) (io.ReadCloser, error) {
	c.itemsMu.Lock()
	it := e.iterator
	c.itemsMu.Unlock()

	if it == nil {
		return nil, fmt.Errorf("cache: entry %d has no data", e.key)
	}
	return it(br), nil
}

// load opens the completed file for an entry and installs its iterator. The
// ready channel is closed afterwards so waiters proceed.
func (c *FileCache) load(e *Entry) error {
	f, err := os.Open(c.path(e.key))
	if err != nil {
		return fmt.Errorf("cache: open entry %d: %w", e.key, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("cache: stat entry %d: %w", e.key, err)
	}
	size := info.Size()

	var it Iterator

	e.mu.Lock()
	e.file = f
	if c.useMmap && size > 0 {
		data, merr := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
		if merr == nil {
			e.mapped = data
			it = StreamFromBuffer(&e.mu, data, c.acquire(e), c.release(e))
		}
	}
	if it == nil {
		it = StreamFromFile(&e.mu, f, size, c.acquire(e), c.release(e))
	}
	e.mu.Unlock()

	c.itemsMu.Lock()
	if !e.permanent {
		c.currentSize += size - e.size
		metrics.CacheSize.WithLabelValues(c.name).Set(float64(c.currentSize))
	}
	e.size = size
	e.iterator = it
	e.failed = nil
	if e.ready == nil {
		e.ready = make(chan struct{})
	}
	select {
	case <-e.ready:
	default:
		close(e.ready)
	}
	c.itemsMu.Unlock()

	return nil
}

func (c *FileCache) acquire(e *Entry) func() {
	return func() {
		c.itemsMu.Lock()
		e.uses++
		c.itemsMu.Unlock()
	}
}

func (c *FileCache) release(e *Entry) func() {
	return func() {
		c.itemsMu.Lock()
		if e.uses > 0 {
			e.uses--
		}
		c.itemsMu.Unlock()
	}
}

// Unload releases the descriptor and mapping of a ready entry, returning it
// to the unloaded state. The file stays on disk. Entries with active
// readers are left alone.
func (c *FileCache) Unload(e *Entry) {
	c.itemsMu.Lock()
	if e.uses > 0 || !readyClosed(e.ready) {
		c.itemsMu.Unlock()
		return
	}
	e.ready = nil
	e.iterator = nil
	c.itemsMu.Unlock()

	c.closeHandles(e)
}

func (c *FileCache) closeHandles(e *Entry) {
	e.mu.Lock()
	if e.mapped != nil {
		unix.Munmap(e.mapped)
		e.mapped = nil
	}
	if e.file != nil {
		e.file.Close()
		e.file = nil
	}
	e.mu.Unlock()
}

func readyClosed(ch chan struct{}) bool {
	if ch == nil {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// Clean runs the two maintenance phases. First every idle ready entry is
// unloaded to release descriptors. Then, if the cache exceeds its limit or
// force is set, least recently used entries are evicted from disk until the
// cache is below the prune watermark. Permanent, in-use and downloading
// entries are never evicted.
func (c *FileCache) Clean(force bool) {
	// Phase one: unload idle entries.
	c.itemsMu.Lock()
	var unloaded []*Entry
	for el := c.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*Entry)
		if e.uses == 0 && readyClosed(e.ready) {
			e.ready = nil
			e.iterator = nil
			unloaded = append(unloaded, e)
		}
	}
	c.itemsMu.Unlock()

	for _, e := range unloaded {
		c.closeHandles(e)
	}

	// Phase two: evict from disk. Serialized so overlapping clean runs do
	// not double-count removals.
	c.pruneMu.Lock()
	defer c.pruneMu.Unlock()

	c.itemsMu.Lock()
	if c.maxSize == 0 && !force {
		c.itemsMu.Unlock()
		return
	}
	if !force && c.currentSize < c.maxSize {
		c.itemsMu.Unlock()
		return
	}

	target := int64(float64(c.maxSize) * (1 - c.prune))

	var victims []*Entry
	for el := c.order.Front(); el != nil && c.currentSize > target; {
		next := el.Next()
		e := el.Value.(*Entry)
		if !e.permanent && e.uses == 0 && e.ready == nil {
			c.order.Remove(el)
			delete(c.items, e.key)
			c.currentSize -= e.size
			victims = append(victims, e)
		}
		el = next
	}
	metrics.CacheSize.WithLabelValues(c.name).Set(float64(c.currentSize))
	size := c.currentSize
	c.itemsMu.Unlock()

	for _, e := range victims {
		if err := os.Remove(c.path(e.key)); err != nil && !os.IsNotExist(err) {
			log.Printf("cache: remove failed cache=%s key=%d error=%v", c.name, e.key, err)
		}
		metrics.CacheEvictions.WithLabelValues(c.name).Inc()
	}

	if len(victims) > 0 {
		log.Printf("cache: evicted cache=%s entries=%d size=%d", c.name, len(victims), size)
	}
}

// Len reports the number of tracked entries.
func (c *FileCache) Len() int {
	c.itemsMu.Lock()
	defer c.itemsMu.Unlock()

	return c.order.Len()
}

// Size reports the total size of non-permanent entries in bytes.
func (c *FileCache) Size() int64 {
	c.itemsMu.Lock()
	defer c.itemsMu.Unlock()

	return c.currentSize
}
