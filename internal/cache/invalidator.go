// Package cache notifies an upstream edge cache when derived views change.
package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Kind names the family of views a key covers.
type Kind string

const (
	// KindGoal covers a goal's SMART flag, level row and visible activities.
	KindGoal Kind = "goal"
	// KindSession covers a session view and its activity instances.
	KindSession Kind = "session"
)

// Key identifies the cached views of one goal or session of an owner.
type Key struct {
	TenantID string `json:"tenant_id"`
	Kind     Kind   `json:"kind"`
	ID       string `json:"id"`
}

// GoalKey is the key for a goal's derived views.
func GoalKey(tenantID, goalID string) Key {
	return Key{TenantID: tenantID, Kind: KindGoal, ID: goalID}
}

// SessionKey is the key for a session and its activity instances.
func SessionKey(tenantID, sessionID string) Key {
	return Key{TenantID: tenantID, Kind: KindSession, ID: sessionID}
}

// String renders the surrogate key the edge cache tags responses with.
func (k Key) String() string {
	return string(k.Kind) + ":" + k.ID
}

// Invalidator drops cached views after a goal or session changes.
type Invalidator interface {
	Invalidate(ctx context.Context, key Key) error
}

// NoopInvalidator is used when no edge cache is configured.
type NoopInvalidator struct{}

func (NoopInvalidator) Invalidate(context.Context, Key) error { return nil }

// HTTPInvalidator purges keys through the edge cache's HTTP endpoint.
type HTTPInvalidator struct {
	client *http.Client
	url    string
	token  string
}

// NewHTTPInvalidator constructs an HTTPInvalidator.
func NewHTTPInvalidator(endpoint, token string, timeout time.Duration) *HTTPInvalidator {
	return &HTTPInvalidator{
		client: &http.Client{Timeout: timeout},
		url:    strings.TrimRight(endpoint, "/"),
		token:  token,
	}
}

type purgeRequest struct {
	Key
	SurrogateKey string `json:"surrogate_key"`
}

// Invalidate posts the key as JSON. The surrogate key is repeated in the
// Surrogate-Key header for caches that purge by header.
func (h *HTTPInvalidator) Invalidate(ctx context.Context, key Key) error {
	body, err := json.Marshal(purgeRequest{Key: key, SurrogateKey: key.String()})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Surrogate-Key", key.String())
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("purge %s: %w", key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &InvalidationError{Key: key, Status: resp.StatusCode}
	}
	return nil
}

// InvalidationError is a purge the edge cache refused.
type InvalidationError struct {
	Key    Key
	Status int
}

func (e *InvalidationError) Error() string {
	return fmt.Sprintf("purge %s for tenant %s failed with status %d", e.Key, e.Key.TenantID, e.Status)
}
