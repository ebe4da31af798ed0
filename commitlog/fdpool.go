package commitlog

import (
	"container/list"
	"os"
	"sync"

	"github.com/pkg/errors"
)

// FDPool caps the number of read-only descriptors held open across
// sealed segments. Handles are lazy-opened on first read and the least
// recently used one is closed once the cap is reached. The active
// segment's write handle is not managed here.
type FDPool struct {
	mu  sync.Mutex
	cap int
	lru *list.List               // front = most recently used, holds *fdEntry
	m   map[string]*list.Element // keyed by file path
}

type fdEntry struct {
	path string
	file *os.File
}

const DefaultFDPoolSize = 128

func NewFDPool(capacity int) *FDPool {
	if capacity <= 0 {
		capacity = DefaultFDPoolSize
	}
	return &FDPool{
		cap: capacity,
		lru: list.New(),
		m:   make(map[string]*list.Element),
	}
}

// ReadAt reads from the file at path through a pooled read-only handle.
func (p *FDPool) ReadAt(path string, buf []byte, off int64) (int, error) {
	fp, err := p.acquire(path)
	if err != nil {
		return 0, err
	}
	return fp.ReadAt(buf, off)
}

func (p *FDPool) acquire(path string) (*os.File, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if el, ok := p.m[path]; ok {
		p.lru.MoveToFront(el)
		return el.Value.(*fdEntry).file, nil
	}
	fp, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open pooled read handle failed")
	}
	p.m[path] = p.lru.PushFront(&fdEntry{path: path, file: fp})
	for p.lru.Len() > p.cap {
		el := p.lru.Back()
		entry := el.Value.(*fdEntry)
		entry.file.Close()
		p.lru.Remove(el)
		delete(p.m, entry.path)
	}
	return fp, nil
}

// Forget closes and drops the handle for path, if pooled. Called when a
// segment file is deleted or truncated.
func (p *FDPool) Forget(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if el, ok := p.m[path]; ok {
		el.Value.(*fdEntry).file.Close()
		p.lru.Remove(el)
		delete(p.m, path)
	}
}

// Close releases every pooled handle.
func (p *FDPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for path, el := range p.m {
		el.Value.(*fdEntry).file.Close()
		delete(p.m, path)
	}
	p.lru.Init()
}
