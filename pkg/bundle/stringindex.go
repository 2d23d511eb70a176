package bundle

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

// StringIndex is a persistent append-only mapping between interned strings
// and their numeric indices. Two instances back the bundle codec: one for
// namespace URIs (namespaces.properties) and one for local names
// (names.properties).
//
// Lookups take a read lock; appends serialize on the write lock and flush
// the new entry before returning, so an index handed out is always durable.
type StringIndex struct {
	mu       sync.RWMutex
	byString map[string]uint32
	byIndex  map[uint32]string
	next     uint32
	file     *os.File
}

// OpenStringIndex loads (or creates) the index file at path.
func OpenStringIndex(path string) (*StringIndex, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open string index %s: %w", path, err)
	}
	idx := &StringIndex{
		byString: make(map[string]uint32),
		byIndex:  make(map[uint32]string),
		file:     f,
	}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("corrupt string index %s: line %q", path, line)
		}
		i, err := strconv.ParseUint(k, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("corrupt string index %s: %w", path, err)
		}
		idx.byString[v] = uint32(i)
		idx.byIndex[uint32(i)] = v
		if uint32(i) >= idx.next {
			idx.next = uint32(i) + 1
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read string index %s: %w", path, err)
	}
	return idx, nil
}

// Index returns the index for s, interning and persisting it on first use.
func (x *StringIndex) Index(s string) (uint32, error) {
	x.mu.RLock()
	i, ok := x.byString[s]
	x.mu.RUnlock()
	if ok {
		return i, nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if i, ok := x.byString[s]; ok {
		return i, nil
	}
	i = x.next
	if _, err := fmt.Fprintf(x.file, "%d=%s\n", i, s); err != nil {
		return 0, fmt.Errorf("failed to append string index entry: %w", err)
	}
	if err := x.file.Sync(); err != nil {
		return 0, fmt.Errorf("failed to sync string index: %w", err)
	}
	x.next++
	x.byString[s] = i
	x.byIndex[i] = s
	return i, nil
}

// String resolves an index back to its interned string.
func (x *StringIndex) String(i uint32) (string, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	s, ok := x.byIndex[i]
	if !ok {
		return "", fmt.Errorf("unknown string index %d", i)
	}
	return s, nil
}

// Close releases the backing file.
func (x *StringIndex) Close() error {
	return x.file.Close()
}
