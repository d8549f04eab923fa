package storagecache

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/materialsearch/server/storage"
)

// StorageCache caches blob store files on the local disk so that
// clients can seek inside them, and we can use http.ServeContent
// to handle range requests. Without a local copy, every Read() on
// a GCS object would need to re-open the blob.
type StorageCache struct {
	log       logs.Log
	upstream  storage.Storage
	cacheRoot string
	maxBytes  int64

	itemsLock sync.Mutex
	bytesUsed int64
	items     map[string]*cacheItem
	tick      int64
}

type cacheItem struct {
	filename string
	size     int64
	lock     int
	lastUsed int64
}

type CacheItemReader struct {
	store *StorageCache
	item  *cacheItem
	f     *os.File // OS file in our cache
}

func (r *CacheItemReader) Read(p []byte) (n int, err error) {
	return r.f.Read(p)
}

func (r *CacheItemReader) Seek(offset int64, whence int) (int64, error) {
	return r.f.Seek(offset, whence)
}

func (r *CacheItemReader) Close() error {
	r.store.itemsLock.Lock()
	r.item.lock--
	defer r.store.itemsLock.Unlock()
	return r.f.Close()
}

// The cache directory is wiped on startup
func NewStorageCache(log logs.Log, upstream storage.Storage, cacheRoot string, maxBytes int64) (*StorageCache, error) {
	os.RemoveAll(cacheRoot)
	if err := os.MkdirAll(cacheRoot, 0755); err != nil {
		return nil, err
	}
	c := &StorageCache{
		log:       log,
		upstream:  upstream,
		cacheRoot: cacheRoot,
		maxBytes:  maxBytes,
		items:     map[string]*cacheItem{},
	}
	return c, nil
}

// Open returns a seekable reader of the file, fetching it from upstream if necessary
func (s *StorageCache) Open(filename string) (*CacheItemReader, error) {
	s.itemsLock.Lock()
	defer s.itemsLock.Unlock()
	item := s.items[filename]
	if item == nil {
		if err := s.acquire(filename); err != nil {
			return nil, err
		}
		item = s.items[filename]
		s.purgeStale()
	}
	f, err := os.Open(filepath.Join(s.cacheRoot, filename))
	if err != nil {
		return nil, err
	}
	item.lock++
	item.lastUsed = s.tick
	s.tick++
	return &CacheItemReader{
		store: s,
		item:  item,
		f:     f,
	}, nil
}

// BytesUsed is the total size of the cached files
func (s *StorageCache) BytesUsed() int64 {
	s.itemsLock.Lock()
	defer s.itemsLock.Unlock()
	return s.bytesUsed
}

func (s *StorageCache) acquire(filename string) error {
	src, err := s.upstream.ReadFile(filename)
	if err != nil {
		return err
	}
	defer src.Reader.Close()
	ondiskFilename := filepath.Join(s.cacheRoot, filename)
	if err := os.MkdirAll(filepath.Dir(ondiskFilename), 0755); err != nil {
		return err
	}
	dst, err := os.Create(ondiskFilename)
	if err != nil {
		return err
	}
	size, err := io.Copy(dst, src.Reader)
	if err == nil {
		err = dst.Close()
	} else {
		dst.Close()
	}
	if err != nil {
		os.Remove(dst.Name())
		return err
	}
	s.log.Debugf("Cached %v (%v bytes)", filename, size)
	item := &cacheItem{
		filename: filename,
		size:     size,
		lastUsed: s.tick,
		lock:     0,
	}
	s.tick++
	s.bytesUsed += size
	s.items[filename] = item
	return nil
}

// purgeStale evicts the least recently used unlocked files until we're within budget.
// The most recently acquired file is never evicted, because its tick is the newest.
func (s *StorageCache) purgeStale() {
	if s.bytesUsed <= s.maxBytes {
		return
	}
	unused := []*cacheItem{}
	for _, item := range s.items {
		if item.lock == 0 && item.lastUsed != s.tick-1 {
			unused = append(unused, item)
		}
	}
	sort.Slice(unused, func(i, j int) bool {
		return unused[i].lastUsed < unused[j].lastUsed
	})
	for _, item := range unused {
		if s.bytesUsed <= s.maxBytes {
			break
		}
		s.bytesUsed -= item.size
		delete(s.items, item.filename)
		os.Remove(filepath.Join(s.cacheRoot, item.filename))
	}
}
