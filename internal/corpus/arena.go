package corpus

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Arena owns the backing storage of one corpus. Pixels are appended while
// building, then sealed into a read-only mapping shared by all readers.
// Release waits for in-flight reads and is idempotent.
type Arena struct {
	mu       sync.RWMutex
	dir      string
	file     *os.File
	w        *bufio.Writer
	size     int
	data     []byte
	unmap    func([]byte) error
	inMemory bool
	released bool
}

func newArena(dir string, inMemory bool) (*Arena, error) {
	if inMemory {
		return &Arena{inMemory: true}, nil
	}
	tmp, err := os.MkdirTemp(dir, "ipa-corpus-")
	if err != nil {
		return nil, fmt.Errorf("create arena dir: %w", err)
	}
	f, err := os.Create(filepath.Join(tmp, "images.bin"))
	if err != nil {
		_ = os.RemoveAll(tmp)
		return nil, fmt.Errorf("create arena file: %w", err)
	}
	return &Arena{dir: tmp, file: f, w: bufio.NewWriterSize(f, 1<<20)}, nil
}

func (a *Arena) append(pix []byte) error {
	a.size += len(pix)
	if a.inMemory {
		a.data = append(a.data, pix...)
		return nil
	}
	_, err := a.w.Write(pix)
	return err
}

func (a *Arena) seal() error {
	if a.inMemory || a.size == 0 {
		return nil
	}
	if err := a.w.Flush(); err != nil {
		return fmt.Errorf("flush arena: %w", err)
	}
	data, unmap, err := mapFile(a.file, a.size)
	if err != nil {
		return fmt.Errorf("map arena: %w", err)
	}
	a.data = data
	a.unmap = unmap
	return nil
}

// Size is the number of pixel bytes held.
func (a *Arena) Size() int {
	return a.size
}

// read copies length bytes at offset into a fresh slice.
func (a *Arena) read(offset, length int) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.released {
		return nil, ErrClosed
	}
	out := make([]byte, length)
	copy(out, a.data[offset:offset+length])
	return out, nil
}

func (a *Arena) Release() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return nil
	}
	a.released = true

	var firstErr error
	if a.unmap != nil {
		firstErr = a.unmap(a.data)
	}
	a.data = nil
	if a.file != nil {
		if err := a.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.dir != "" {
		if err := os.RemoveAll(a.dir); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
