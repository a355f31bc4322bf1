package cloudstorage

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// MemoryClient is an in-process Client used by tests and dry runs.
type MemoryClient struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// NewMemoryClient returns an empty in-memory store.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{objects: make(map[string][]byte)}
}

func (c *MemoryClient) Get(ctx context.Context, uri string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.objects[uri]
	if !ok {
		return nil, fmt.Errorf("%s: %w", uri, ErrNotFound)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (c *MemoryClient) Put(ctx context.Context, uri string, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.objects[uri] = data
	return nil
}

func (c *MemoryClient) List(ctx context.Context, prefix string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var uris []string
	for uri := range c.objects {
		if strings.HasPrefix(uri, prefix) {
			uris = append(uris, uri)
		}
	}
	sort.Strings(uris)
	return uris, nil
}

func (c *MemoryClient) DeletePrefix(ctx context.Context, prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for uri := range c.objects {
		if strings.HasPrefix(uri, prefix) {
			delete(c.objects, uri)
		}
	}
	return nil
}

// Len reports the number of stored objects.
func (c *MemoryClient) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.objects)
}
