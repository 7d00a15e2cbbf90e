// ABOUTME: Resumable-style background upload pipeline for large binaries.
// ABOUTME: Streams a multipart body through a temp file; never whole-file in memory.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// UploadConfig controls the upload pipeline.
type UploadConfig struct {
	BaseURL    string
	AuthToken  string
	UploadPath string        // default: /api/files/upload
	TempDir    string        // default: os.TempDir()
	BlockSize  int           // streaming block size (default: 256 KiB)
	Timeout    time.Duration // whole-transfer ceiling, 0 = none
	Logger     *slog.Logger
}

func (c UploadConfig) withDefaults() UploadConfig {
	if c.UploadPath == "" {
		c.UploadPath = "/api/files/upload"
	}
	if c.TempDir == "" {
		c.TempDir = os.TempDir()
	}
	if c.BlockSize <= 0 {
		c.BlockSize = 256 * 1024
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// UploadRequest describes one file transfer.
type UploadRequest struct {
	ID                string // transfer identifier; generated when empty
	SourcePath        string
	Filename          string
	MimeType          string
	DestinationFolder string // optional folder id on the server
}

// ProgressFn receives bytesSent / bytesExpected on every transport callback.
type ProgressFn func(fraction float64)

// CompletionFn receives the server-assigned file id, or the single error the
// transfer ended with. Called exactly once per transfer.
type CompletionFn func(fileID string, err error)

type transfer struct {
	cancel   context.CancelFunc
	bodyPath string
	done     bool
}

// UploadManager runs large binary transfers outside the generic write queue.
// State lives in a lock-protected map for the lifetime of the transfer only;
// a process restart drops in-flight transfers and the caller resubmits.
type UploadManager struct {
	cfg UploadConfig
	hc  *http.Client
	log *slog.Logger

	mu     sync.Mutex
	active map[string]*transfer
}

// NewUploadManager builds an upload pipeline for the given API.
func NewUploadManager(cfg UploadConfig) *UploadManager {
	cfg = cfg.withDefaults()
	return &UploadManager{
		cfg:    cfg,
		hc:     &http.Client{Timeout: cfg.Timeout},
		log:    cfg.Logger,
		active: make(map[string]*transfer),
	}
}

// StartUpload builds the multipart body and launches the transfer. Body
// construction failures are returned immediately, before any network call;
// everything after that is reported exactly once through onCompletion.
// Returns the transfer id for cancellation.
func (m *UploadManager) StartUpload(req UploadRequest, onProgress ProgressFn, onCompletion CompletionFn) (string, error) {
	if req.ID == "" {
		req.ID = ulid.Make().String()
	}
	if req.Filename == "" {
		req.Filename = "upload.bin"
	}

	bodyPath, contentType, size, err := m.buildBody(req)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &transfer{cancel: cancel, bodyPath: bodyPath}

	m.mu.Lock()
	if _, exists := m.active[req.ID]; exists {
		m.mu.Unlock()
		cancel()
		_ = os.Remove(bodyPath)
		return "", fmt.Errorf("upload %s already in flight", req.ID)
	}
	m.active[req.ID] = t
	m.mu.Unlock()

	go m.run(ctx, req.ID, bodyPath, contentType, size, onProgress, onCompletion)
	return req.ID, nil
}

// CancelUpload cancels the in-flight transfer with the given id. Safe to call
// at any point in the transfer's lifetime; after completion it is a no-op.
func (m *UploadManager) CancelUpload(id string) {
	m.mu.Lock()
	t, ok := m.active[id]
	m.mu.Unlock()
	if ok && !t.done {
		t.cancel()
	}
}

// Close cancels every in-flight transfer.
func (m *UploadManager) Close() {
	m.mu.Lock()
	transfers := make([]*transfer, 0, len(m.active))
	for _, t := range m.active {
		transfers = append(transfers, t)
	}
	m.mu.Unlock()
	for _, t := range transfers {
		t.cancel()
	}
}

// buildBody streams the source file in fixed-size blocks into a temporary
// multipart body file.
func (m *UploadManager) buildBody(req UploadRequest) (path, contentType string, size int64, err error) {
	src, err := os.Open(req.SourcePath)
	if err != nil {
		return "", "", 0, fmt.Errorf("open source: %w", err)
	}
	defer func() {
		_ = src.Close()
	}()

	tmp, err := os.CreateTemp(m.cfg.TempDir, "satchel-upload-"+req.ID+"-*")
	if err != nil {
		return "", "", 0, fmt.Errorf("create body file: %w", err)
	}
	path = tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(path)
	}

	mw := multipart.NewWriter(tmp)
	if req.DestinationFolder != "" {
		if err := mw.WriteField("folder_id", req.DestinationFolder); err != nil {
			cleanup()
			return "", "", 0, err
		}
	}

	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(req.Filename)))
	mime := req.MimeType
	if mime == "" {
		mime = "application/octet-stream"
	}
	hdr.Set("Content-Type", mime)
	part, err := mw.CreatePart(hdr)
	if err != nil {
		cleanup()
		return "", "", 0, err
	}

	buf := make([]byte, m.cfg.BlockSize)
	if _, err := io.CopyBuffer(part, src, buf); err != nil {
		cleanup()
		return "", "", 0, fmt.Errorf("stream source: %w", err)
	}
	if err := mw.Close(); err != nil {
		cleanup()
		return "", "", 0, err
	}

	info, err := tmp.Stat()
	if err != nil {
		cleanup()
		return "", "", 0, err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(path)
		return "", "", 0, err
	}
	return path, mw.FormDataContentType(), info.Size(), nil
}

func (m *UploadManager) run(ctx context.Context, id, bodyPath, contentType string, size int64, onProgress ProgressFn, onCompletion CompletionFn) {
	body, err := os.Open(bodyPath)
	if err != nil {
		m.complete(id, "", err, onProgress, onCompletion)
		return
	}
	defer func() {
		_ = body.Close()
	}()

	pr := &progressReader{r: body, total: size, fn: onProgress}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.BaseURL+m.cfg.UploadPath, pr)
	if err != nil {
		m.complete(id, "", err, onProgress, onCompletion)
		return
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", contentType)
	if m.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+m.cfg.AuthToken)
	}

	resp, err := m.hc.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			err = ErrUploadCanceled
		} else {
			err = fmt.Errorf("%w: %v", ErrNetworkFailure, err)
		}
		m.complete(id, "", err, onProgress, onCompletion)
		return
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	// Accumulate response bytes as they arrive.
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		m.complete(id, "", fmt.Errorf("%w: %v", ErrNetworkFailure, err), onProgress, onCompletion)
		return
	}

	fileID, err := parseUploadResponse(resp.StatusCode, raw)
	m.complete(id, fileID, err, onProgress, onCompletion)
}

// complete reports the transfer outcome exactly once, removes the temp body,
// and forgets the transfer.
func (m *UploadManager) complete(id, fileID string, err error, onProgress ProgressFn, onCompletion CompletionFn) {
	m.mu.Lock()
	t, ok := m.active[id]
	if !ok || t.done {
		m.mu.Unlock()
		return
	}
	t.done = true
	delete(m.active, id)
	m.mu.Unlock()

	t.cancel()
	_ = os.Remove(t.bodyPath)

	if err == nil && onProgress != nil {
		onProgress(1.0)
	}
	if err != nil {
		m.log.Warn("upload failed", "id", id, "error", err)
	} else {
		m.log.Info("upload complete", "id", id, "file_id", fileID)
	}
	if onCompletion != nil {
		onCompletion(fileID, err)
	}
}

// progressReader reports a non-decreasing sent fraction on every read.
type progressReader struct {
	r     io.Reader
	total int64
	sent  int64
	last  float64
	fn    ProgressFn
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		if p.fn != nil && p.total > 0 {
			frac := float64(p.sent) / float64(p.total)
			if frac > 1 {
				frac = 1
			}
			if frac >= p.last {
				p.last = frac
				p.fn(frac)
			}
		}
	}
	return n, err
}

func parseUploadResponse(status int, body []byte) (string, error) {
	if status >= 200 && status < 300 {
		var out struct {
			FileID string `json:"file_id"`
			Data   struct {
				FileID string `json:"file_id"`
			} `json:"data"`
		}
		if err := json.Unmarshal(body, &out); err == nil {
			if out.FileID != "" {
				return out.FileID, nil
			}
			if out.Data.FileID != "" {
				return out.Data.FileID, nil
			}
		}
		return "", errors.New("upload response missing file_id")
	}
	return "", &APIError{Status: status, Message: apiErrorMessage(body, status)}
}

func escapeQuotes(s string) string {
	return strings.NewReplacer("\\", "\\\\", `"`, "\\\"").Replace(s)
}
