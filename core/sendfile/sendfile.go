// Package sendfile holds the kernel copy primitives the transmission
// backend is built on, and the open-file cache used by file producers.
package sendfile

import (
	"container/list"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/searchktools/fast-io/core/buf"
)

// Entry is a cached open file.
type Entry struct {
	File    *os.File
	Buf     buf.File
	Size    int64
	ModTime time.Time

	path    string
	element *list.Element
	refs    int
	evicted bool
}

// FileCache caches open file descriptors using LRU
type FileCache struct {
	mu       sync.Mutex
	cache    map[string]*Entry
	lruList  *list.List
	maxFiles int

	// Offload marks every opened file as eligible for thread offload.
	Offload bool
}

// NewFileCache creates a new file cache
func NewFileCache(maxFiles int) *FileCache {
	if maxFiles <= 0 {
		maxFiles = 1000
	}
	return &FileCache{
		cache:    make(map[string]*Entry),
		lruList:  list.New(),
		maxFiles: maxFiles,
	}
}

// Get gets a file from cache or opens it and takes a reference on it.
// Entries whose file changed on disk are reopened. Every successful Get
// must be paired with Release.
func (fc *FileCache) Get(path string) (*Entry, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	fc.mu.Lock()
	if e, ok := fc.cache[path]; ok {
		if e.Size == fi.Size() && e.ModTime.Equal(fi.ModTime()) {
			fc.lruList.MoveToFront(e.element)
			e.refs++
			fc.mu.Unlock()
			return e, nil
		}
		fc.evict(e)
	}
	fc.mu.Unlock()

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	e := &Entry{
		File:    file,
		Size:    fi.Size(),
		ModTime: fi.ModTime(),
		path:    path,
		refs:    1,
	}
	e.Buf = buf.File{Fd: int(file.Fd()), Name: path, Offload: fc.Offload}

	fc.mu.Lock()
	defer fc.mu.Unlock()

	if old, ok := fc.cache[path]; ok {
		fc.evict(old)
	}
	e.element = fc.lruList.PushFront(e)
	fc.cache[path] = e

	if fc.lruList.Len() > fc.maxFiles {
		if oldest := fc.lruList.Back(); oldest != nil {
			fc.evict(oldest.Value.(*Entry))
		}
	}

	return e, nil
}

// Release drops a reference taken by Get. An evicted entry is closed with
// its last reference.
func (fc *FileCache) Release(e *Entry) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	e.refs--
	if e.refs <= 0 && e.evicted {
		e.File.Close()
	}
}

// evict drops e from the cache. The descriptor stays open while
// references remain.
func (fc *FileCache) evict(e *Entry) {
	if fc.cache[e.path] == e {
		delete(fc.cache, e.path)
	}
	fc.lruList.Remove(e.element)
	e.evicted = true
	if e.refs <= 0 {
		e.File.Close()
	}
}

// Len reports the number of open files.
func (fc *FileCache) Len() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.lruList.Len()
}

// Close closes all cached files
func (fc *FileCache) Close() {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	for _, e := range fc.cache {
		e.File.Close()
	}
	fc.cache = make(map[string]*Entry)
	fc.lruList.Init()
}

// ContentType returns MIME type based on file extension
func ContentType(filename string) string {
	switch filepath.Ext(filename) {
	case ".html", ".htm":
		return "text/html; charset=utf-8"
	case ".css":
		return "text/css; charset=utf-8"
	case ".js":
		return "application/javascript; charset=utf-8"
	case ".json":
		return "application/json; charset=utf-8"
	case ".xml":
		return "application/xml; charset=utf-8"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".svg":
		return "image/svg+xml"
	case ".pdf":
		return "application/pdf"
	case ".gz":
		return "application/gzip"
	case ".txt":
		return "text/plain; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}
