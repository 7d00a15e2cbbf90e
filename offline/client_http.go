package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// APIConfig controls the remote API client.
type APIConfig struct {
	BaseURL   string
	AuthToken string
	DeviceID  string
	Timeout   time.Duration // per-request timeout (default: 15s)

	// PrecheckConflicts enables the client-side timestamp comparison: before
	// submitting an update or delete the current record is fetched and its
	// updated_at compared against the write's captured client_updated_at.
	// Endpoints that signal staleness with 409/412 work either way.
	PrecheckConflicts bool
}

// Endpoint is one REST route for an entity operation.
type Endpoint struct {
	Method string
	Path   string // Path for creates/lists; detail routes append /{id}
}

type entityRoutes struct {
	create Endpoint
	update Endpoint
	delete Endpoint
	fetch  Endpoint
}

// APIClient maps pending writes onto the remote REST surface the engine
// consumes but does not define.
type APIClient struct {
	cfg    APIConfig
	hc     *http.Client
	routes map[string]entityRoutes
}

// NewAPIClient builds a client with routes for the assistant app's resources.
func NewAPIClient(cfg APIConfig) *APIClient {
	to := cfg.Timeout
	if to == 0 {
		to = 15 * time.Second
	}
	c := &APIClient{
		cfg:    cfg,
		hc:     &http.Client{Timeout: to},
		routes: make(map[string]entityRoutes),
	}
	for entity, base := range map[string]string{
		"note":    "/api/notes",
		"task":    "/api/tasks",
		"website": "/api/websites",
		"file":    "/api/files",
		"chat":    "/api/chats",
	} {
		c.RegisterEntity(entity, base)
	}
	return c
}

// RegisterEntity installs the conventional route set for an entity type:
// POST base, PUT base/{id}, DELETE base/{id}, GET base[/{id}].
func (c *APIClient) RegisterEntity(entityType, basePath string) {
	c.routes[entityType] = entityRoutes{
		create: Endpoint{Method: http.MethodPost, Path: basePath},
		update: Endpoint{Method: http.MethodPut, Path: basePath},
		delete: Endpoint{Method: http.MethodDelete, Path: basePath},
		fetch:  Endpoint{Method: http.MethodGet, Path: basePath},
	}
}

// OutcomeKind classifies a delivery attempt.
type OutcomeKind int

const (
	OutcomeDelivered OutcomeKind = iota
	OutcomeConflict
	OutcomeRejected
	OutcomeTransient
)

// Outcome is the classified result of submitting one pending write.
type Outcome struct {
	Kind           OutcomeKind
	Body           json.RawMessage // response body on delivery (server-assigned ids live here)
	ServerSnapshot json.RawMessage // server's current version, set on conflict
	Reason         string          // human-readable conflict reason
	Message        string          // decoded server error message on rejection
	Err            error           // underlying error for transient outcomes
}

// Submit delivers one pending write to its endpoint and classifies the
// response. The write's ID travels as the idempotency key so an ambiguous
// timeout can be retried without a duplicate server-side mutation.
func (c *APIClient) Submit(ctx context.Context, w PendingWrite) Outcome {
	routes, ok := c.routes[w.EntityType]
	if !ok {
		return Outcome{Kind: OutcomeRejected, Message: fmt.Sprintf("no endpoint for entity type %q", w.EntityType)}
	}

	if c.cfg.PrecheckConflicts && w.Op != OpCreate && w.EntityID != "" {
		if out, conflicted := c.precheck(ctx, w); conflicted {
			return out
		}
	}

	var ep Endpoint
	var url string
	switch w.Op {
	case OpCreate:
		ep = routes.create
		url = c.cfg.BaseURL + ep.Path
	case OpUpdate:
		ep = routes.update
		url = c.cfg.BaseURL + ep.Path + "/" + w.EntityID
	case OpDelete:
		ep = routes.delete
		url = c.cfg.BaseURL + ep.Path + "/" + w.EntityID
	default:
		return Outcome{Kind: OutcomeRejected, Message: fmt.Sprintf("unknown operation %q", w.Op)}
	}

	var body io.Reader
	if len(w.Payload) > 0 && w.Op != OpDelete {
		body = bytes.NewReader(w.Payload)
	}
	req, err := http.NewRequestWithContext(ctx, ep.Method, url, body)
	if err != nil {
		return Outcome{Kind: OutcomeRejected, Message: err.Error()}
	}
	c.setHeaders(req)
	req.Header.Set("Idempotency-Key", w.ID)
	req.Header.Set("X-Client-Updated-At", w.ClientUpdatedAt.UTC().Format(time.RFC3339Nano))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return Outcome{Kind: OutcomeTransient, Err: fmt.Errorf("%w: %v", ErrNetworkFailure, err)}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Outcome{Kind: OutcomeTransient, Err: fmt.Errorf("%w: %v", ErrNetworkFailure, err)}
	}
	return c.classify(resp.StatusCode, raw)
}

// precheck fetches the current record and compares timestamps. A server
// updated_at newer than the write's capture means the record changed under
// us; the fetched body doubles as the conflict snapshot.
func (c *APIClient) precheck(ctx context.Context, w PendingWrite) (Outcome, bool) {
	body, err := c.Fetch(ctx, w.EntityType, w.EntityID)
	if err != nil {
		// Precheck failures never fail the write; the submit itself decides.
		return Outcome{}, false
	}
	var current struct {
		UpdatedAt time.Time `json:"updated_at"`
	}
	if err := json.Unmarshal(body, &current); err != nil || current.UpdatedAt.IsZero() {
		return Outcome{}, false
	}
	if current.UpdatedAt.After(w.ClientUpdatedAt) {
		return Outcome{
			Kind:           OutcomeConflict,
			ServerSnapshot: body,
			Reason: fmt.Sprintf("server modified at %s, after local capture at %s",
				current.UpdatedAt.UTC().Format(time.RFC3339), w.ClientUpdatedAt.UTC().Format(time.RFC3339)),
		}, true
	}
	return Outcome{}, false
}

func (c *APIClient) classify(status int, body []byte) Outcome {
	switch {
	case status >= 200 && status < 300:
		return Outcome{Kind: OutcomeDelivered, Body: body}
	case status == http.StatusConflict || status == http.StatusPreconditionFailed:
		return Outcome{
			Kind:           OutcomeConflict,
			ServerSnapshot: conflictSnapshot(body),
			Reason:         apiErrorMessage(body, status),
		}
	case status >= 500:
		return Outcome{Kind: OutcomeTransient, Err: fmt.Errorf("%w: status %d", ErrServerError, status)}
	default:
		return Outcome{Kind: OutcomeRejected, Message: apiErrorMessage(body, status)}
	}
}

// Fetch performs a read-through GET for a list (id == "") or detail record.
func (c *APIClient) Fetch(ctx context.Context, entityType, id string) (json.RawMessage, error) {
	routes, ok := c.routes[entityType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoEndpoint, entityType)
	}
	url := c.cfg.BaseURL + routes.fetch.Path
	if id != "" {
		url += "/" + id
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetworkFailure, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetworkFailure, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Status: resp.StatusCode, Message: apiErrorMessage(raw, resp.StatusCode)}
	}
	return raw, nil
}

func (c *APIClient) setHeaders(req *http.Request) {
	if c.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}
	if c.cfg.DeviceID != "" {
		req.Header.Set("X-Device-ID", c.cfg.DeviceID)
	}
}

// conflictSnapshot extracts the server's current record from a 409/412 body.
// Servers wrap it as {"current": {...}} or {"data": {...}}; a bare object
// body is taken as-is.
func conflictSnapshot(body []byte) json.RawMessage {
	var wrapper struct {
		Current json.RawMessage `json:"current"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &wrapper); err == nil {
		if len(wrapper.Current) > 0 {
			return wrapper.Current
		}
		if len(wrapper.Data) > 0 {
			return wrapper.Data
		}
	}
	if len(body) > 0 && strings.HasPrefix(strings.TrimSpace(string(body)), "{") {
		return body
	}
	return nil
}

// apiErrorMessage pulls a human-readable message out of a structured error
// body, falling back to a bare status-code message.
func apiErrorMessage(body []byte, status int) string {
	var nested struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &nested); err == nil {
		if nested.Error.Message != "" {
			return nested.Error.Message
		}
		if nested.Message != "" {
			return nested.Message
		}
	}
	return fmt.Sprintf("request failed with status %d", status)
}
