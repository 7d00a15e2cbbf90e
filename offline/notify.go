// ABOUTME: Server-sent-events listener feeding remote change notifications
// ABOUTME: into the same cache-invalidation path a delivered write uses.
package offline

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Notification is one change event from the server's real-time feed.
type Notification struct {
	Event      string `json:"event"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
}

// Listener subscribes to the server's change feed. Each notification for a
// watched resource invalidates the matching cache entries exactly as a
// successful local write would, so both sync paths converge on the same
// invalidation contract.
type Listener struct {
	cfg       APIConfig
	path      string
	cache     Cache
	registry  *Registry
	observers *Observers
	kick      func()
	retry     RetryConfig
	hc        *http.Client
	log       *slog.Logger
}

// NewListener builds a change-feed listener. kick is invoked after each
// notification (typically Processor.Kick) and may be nil, as may observers.
func NewListener(cfg APIConfig, cache Cache, registry *Registry, observers *Observers, kick func(), retry RetryConfig, logger *slog.Logger) *Listener {
	if retry.MaxAttempts == 0 {
		retry = DefaultRetryConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		cfg:       cfg,
		path:      "/api/events",
		cache:     cache,
		registry:  registry,
		observers: observers,
		kick:      kick,
		retry:     retry,
		// No client timeout: the stream is long-lived; ctx governs shutdown.
		hc:  &http.Client{},
		log: logger,
	}
}

// Run consumes the feed until ctx is done, reconnecting with backoff after
// stream failures.
func (l *Listener) Run(ctx context.Context) error {
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		resp, err := WithRetry(ctx, l.retry, "subscribe", func() (*http.Response, error) {
			return l.connect(ctx)
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			l.log.Warn("change feed unavailable", "error", err, "failures", failures)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(Backoff(l.retry, failures)):
			}
			continue
		}

		failures = 0
		err = l.consume(ctx, resp)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			l.log.Warn("change feed dropped", "error", err)
		}
	}
}

func (l *Listener) connect(ctx context.Context) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.cfg.BaseURL+l.path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if l.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+l.cfg.AuthToken)
	}

	resp, err := l.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetworkFailure, err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("%w: status %d", ErrServerError, resp.StatusCode)
		}
		return nil, &APIError{Status: resp.StatusCode, Message: "change feed refused"}
	}
	return resp, nil
}

// consume parses the line-delimited SSE frames until the stream drops.
func (l *Listener) consume(ctx context.Context, resp *http.Response) error {
	defer func() {
		_ = resp.Body.Close()
	}()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var event string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			event = ""
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			l.handle(ctx, event, data)
		}
	}
	return scanner.Err()
}

func (l *Listener) handle(ctx context.Context, event, data string) {
	var n Notification
	if err := json.Unmarshal([]byte(data), &n); err != nil {
		l.log.Warn("malformed change notification", "error", err)
		return
	}
	if n.Event == "" {
		n.Event = event
	}
	if n.EntityType == "" {
		return
	}

	if l.cache != nil && l.registry != nil {
		listKey := l.registry.ListKey(n.EntityType)
		if listKey != "" {
			err := InvalidateList(ctx, l.cache, listKey, func(id string) string {
				return l.registry.DetailKey(n.EntityType, id)
			}, n.EntityID)
			if err != nil {
				l.log.Warn("notification invalidation failed", "entity", n.EntityType, "error", err)
			}
		}
	}
	if l.observers != nil {
		l.observers.Notify(n.EntityType, n.EntityID, nil)
	}
	if l.kick != nil {
		l.kick()
	}
}
