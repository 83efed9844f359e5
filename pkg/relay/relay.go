// Package relay fetches attachments from one platform's file storage and
// re-exposes them so the other platforms can link or re-upload them.
package relay

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Ruwad-io/pocketping-sub005/pkg/logger"
	"github.com/Ruwad-io/pocketping-sub005/pkg/types"
)

// MaxAttachmentBytes bounds a single relayed file.
const MaxAttachmentBytes = 25 << 20

type storedFile struct {
	path     string
	name     string
	mimeType string
	size     int64
}

// Relay owns a scratch directory of fetched files, addressable by id for the
// /files HTTP surface. Safe for concurrent use.
type Relay struct {
	dir     string
	baseURL string
	client  *http.Client

	mu    sync.RWMutex
	files map[string]storedFile
}

// New creates a relay rooted in a fresh scratch directory. baseURL is the
// externally reachable prefix used to build attachment links; empty disables
// link building (attachments still carry bytes).
func New(baseURL string) (*Relay, error) {
	dir, err := os.MkdirTemp("", "pocketping-relay-*")
	if err != nil {
		return nil, fmt.Errorf("create relay dir: %w", err)
	}
	return &Relay{
		dir:     dir,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: 60 * time.Second},
		files:   make(map[string]storedFile),
	}, nil
}

// Fetch downloads a platform file and registers it. Download failures are
// reported, not fatal; callers drop the attachment and keep the text.
func (r *Relay) Fetch(ctx context.Context, url, name string, headers map[string]string) (*types.Attachment, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	logger.DebugCF("relay", "Fetching attachment", map[string]interface{}{
		"url":  url,
		"name": name,
	})

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, &types.TransientNetworkError{Op: "fetch attachment", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &types.TransientNetworkError{
			Op:  "fetch attachment",
			Err: fmt.Errorf("HTTP %d", resp.StatusCode),
		}
	}

	id := uuid.NewString()
	path := filepath.Join(r.dir, id)
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create relay file: %w", err)
	}

	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(path)
	}

	written, err := io.Copy(f, io.LimitReader(resp.Body, MaxAttachmentBytes+1))
	if err != nil {
		cleanup()
		return nil, &types.TransientNetworkError{Op: "fetch attachment", Err: err}
	}
	if written > MaxAttachmentBytes {
		cleanup()
		return nil, fmt.Errorf("attachment too large: %d bytes (max %d)", written, MaxAttachmentBytes)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("close relay file: %w", err)
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = mime.TypeByExtension(filepath.Ext(name))
	}
	if name == "" {
		name = id
	}

	r.mu.Lock()
	r.files[id] = storedFile{path: path, name: name, mimeType: mimeType, size: written}
	r.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read relay file: %w", err)
	}

	logger.DebugCF("relay", "Attachment relayed", map[string]interface{}{
		"id":    id,
		"bytes": written,
	})

	return &types.Attachment{
		ID:       id,
		Name:     name,
		MimeType: mimeType,
		Size:     written,
		URL:      r.PublicURL(id),
		Data:     data,
	}, nil
}

// PublicURL builds the externally reachable link for a relayed file.
func (r *Relay) PublicURL(id string) string {
	if r.baseURL == "" {
		return ""
	}
	return r.baseURL + "/files/" + id
}

// Open returns a reader over a relayed file for re-upload or serving.
func (r *Relay) Open(id string) (io.ReadCloser, *types.Attachment, error) {
	r.mu.RLock()
	sf, ok := r.files[id]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, &types.NotFoundError{Kind: "file", ID: id}
	}
	f, err := os.Open(sf.path)
	if err != nil {
		return nil, nil, fmt.Errorf("open relay file: %w", err)
	}
	return f, &types.Attachment{
		ID:       id,
		Name:     sf.name,
		MimeType: sf.mimeType,
		Size:     sf.size,
		URL:      r.PublicURL(id),
	}, nil
}

// ServeHTTP handles GET /files/{id}.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	id := strings.TrimPrefix(req.URL.Path, "/files/")
	f, meta, err := r.Open(id)
	if err != nil {
		http.NotFound(w, req)
		return
	}
	defer f.Close()
	if meta.MimeType != "" {
		w.Header().Set("Content-Type", meta.MimeType)
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", meta.Name))
	_, _ = io.Copy(w, f)
}

// Close removes the scratch directory and everything in it.
func (r *Relay) Close() error {
	r.mu.Lock()
	r.files = make(map[string]storedFile)
	r.mu.Unlock()
	return os.RemoveAll(r.dir)
}
