package downloader

import (
	"context"
	"fmt"
	"sync"
)

// In memory Downloader for tests. Serves whatever has been put in with
// Set, and counts requests per URL.
type MemoryDownloader struct {
	mu       sync.Mutex
	payloads map[string][]byte
	errs     map[string]error
	Requests map[string]int
}

func NewMemoryDownloader() *MemoryDownloader {
	return &MemoryDownloader{
		payloads: map[string][]byte{},
		errs:     map[string]error{},
		Requests: map[string]int{},
	}
}

func (d *MemoryDownloader) Set(url string, payload []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.payloads[url] = payload
	delete(d.errs, url)
}

func (d *MemoryDownloader) SetError(url string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs[url] = err
}

func (d *MemoryDownloader) Get(
	ctx context.Context,
	url string,
	headers map[string]string,
	options GetOptions,
) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.Requests[url]++

	if err, found := d.errs[url]; found {
		return nil, err
	}

	payload, found := d.payloads[url]
	if !found {
		return nil, fmt.Errorf("no payload for %s", url)
	}

	if options.MaxSize > 0 && len(payload) > options.MaxSize {
		payload = payload[:options.MaxSize]
	}

	return payload, nil
}
