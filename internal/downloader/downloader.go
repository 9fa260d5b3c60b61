// Package downloader fetches remote resources as text with progress
// reporting and cancellation. The daemon uses it for keystore refreshes
// and VMCP manifest fetches.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cernvm/cernvm-webapi/internal/brand"
	"github.com/cernvm/cernvm-webapi/internal/protocol"
)

// Typed failures a caller can map to wire codes.
var (
	ErrNotFound = errors.New("resource not found")
	ErrAborted  = errors.New("download aborted")
)

// ProgressFunc receives transfer progress. total is -1 when unknown.
type ProgressFunc func(read, total int64)

// Downloader fetches a URL as text. Implementations must honor ctx
// cancellation and Abort.
type Downloader interface {
	Text(ctx context.Context, url string, progress ProgressFunc) (string, error)

	// Abort cancels every in-flight download. The instance stays usable.
	Abort()
}

// Code maps a download error to a wire code.
func Code(err error) protocol.Code {
	switch {
	case err == nil:
		return protocol.CodeOK
	case errors.Is(err, ErrNotFound):
		return protocol.CodeNotFound
	default:
		return protocol.CodeIOError
	}
}

// HTTPProvider is the production Downloader on top of net/http.
type HTTPProvider struct {
	client *http.Client

	mu      sync.Mutex
	cancels map[int64]context.CancelFunc
	nextID  int64
}

// NewHTTP creates an HTTPProvider. A zero timeout means 60 seconds.
func NewHTTP(timeout time.Duration) *HTTPProvider {
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &HTTPProvider{
		client:  &http.Client{Timeout: timeout},
		cancels: make(map[int64]context.CancelFunc),
	}
}

// Text downloads the URL body as a string.
func (p *HTTPProvider) Text(ctx context.Context, url string, progress ProgressFunc) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	id := p.track(cancel)
	defer p.untrack(id)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("invalid download URL: %w", err)
	}
	req.Header.Set("User-Agent", brand.UserAgent(brand.Version))

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ErrAborted
		}
		return "", fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("download failed: unexpected status %d", resp.StatusCode)
	}

	var sb strings.Builder
	var read int64
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			sb.Write(buf[:n])
			read += int64(n)
			if progress != nil {
				progress(read, resp.ContentLength)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return "", ErrAborted
			}
			return "", fmt.Errorf("download interrupted: %w", err)
		}
	}
	return sb.String(), nil
}

// Abort cancels all in-flight downloads.
func (p *HTTPProvider) Abort() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, cancel := range p.cancels {
		cancel()
	}
}

func (p *HTTPProvider) track(cancel context.CancelFunc) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := p.nextID
	p.cancels[id] = cancel
	return id
}

func (p *HTTPProvider) untrack(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cancel, ok := p.cancels[id]; ok {
		cancel()
		delete(p.cancels, id)
	}
}
