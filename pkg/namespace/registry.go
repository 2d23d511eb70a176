// Package namespace maps namespace prefixes to URIs. Registrations persist
// to an append-only file next to the string indices and replicate through
// the cluster journal.
package namespace

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/types"
)

// Registry is the prefix <-> URI mapping. Later registrations of a prefix
// shadow earlier ones, which is what makes the file append-only.
type Registry struct {
	mu       sync.RWMutex
	byPrefix map[string]string
	byURI    map[string]string
	file     *os.File
}

// Open loads (or creates) the registry file and seeds the built-in
// namespaces.
func Open(path string) (*Registry, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open namespace registry: %w", err)
	}
	r := &Registry{
		byPrefix: map[string]string{
			"":    types.NamespaceEmpty,
			"jcr": types.NamespaceJCR,
			"nt":  types.NamespaceNT,
			"mix": types.NamespaceMix,
			"rep": types.NamespaceRep,
		},
		byURI: make(map[string]string),
		file:  f,
	}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		prefix, uri, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("corrupt namespace registry: line %q", line)
		}
		r.byPrefix[prefix] = uri
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read namespace registry: %w", err)
	}
	for prefix, uri := range r.byPrefix {
		r.byURI[uri] = prefix
	}
	return r, nil
}

// Register binds prefix to uri and persists the binding. Rebinding a
// built-in prefix fails.
func (r *Registry) Register(prefix, uri string) error {
	for _, reserved := range []string{"jcr", "nt", "mix", "rep", ""} {
		if prefix == reserved {
			return fmt.Errorf("prefix %q is reserved: %w", prefix, errdefs.ErrConstraint)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byURI[uri]; ok && existing != prefix {
		return fmt.Errorf("uri %q is already mapped to prefix %q: %w", uri, existing, errdefs.ErrConstraint)
	}
	if _, err := fmt.Fprintf(r.file, "%s=%s\n", prefix, uri); err != nil {
		return fmt.Errorf("failed to persist namespace: %w", err)
	}
	if err := r.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync namespace registry: %w", err)
	}
	if old, ok := r.byPrefix[prefix]; ok {
		delete(r.byURI, old)
	}
	r.byPrefix[prefix] = uri
	r.byURI[uri] = prefix
	return nil
}

// Apply installs a binding replayed from the cluster journal. Each node
// keeps its own registry file, so the binding persists locally too; an
// existing identical binding makes Apply a no-op.
func (r *Registry) Apply(prefix, uri string) error {
	r.mu.RLock()
	existing, ok := r.byPrefix[prefix]
	r.mu.RUnlock()
	if ok && existing == uri {
		return nil
	}
	return r.Register(prefix, uri)
}

// URI resolves a prefix.
func (r *Registry) URI(prefix string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	uri, ok := r.byPrefix[prefix]
	if !ok {
		return "", fmt.Errorf("unknown namespace prefix %q: %w", prefix, errdefs.ErrNotFound)
	}
	return uri, nil
}

// Prefix resolves a URI.
func (r *Registry) Prefix(uri string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	prefix, ok := r.byURI[uri]
	if !ok {
		return "", fmt.Errorf("unknown namespace uri %q: %w", uri, errdefs.ErrNotFound)
	}
	return prefix, nil
}

// Close releases the backing file.
func (r *Registry) Close() error {
	return r.file.Close()
}
