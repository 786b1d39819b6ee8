package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/scm-target-importer/pkg/cache"
	"github.com/Sternrassler/scm-target-importer/pkg/client"
	"github.com/Sternrassler/scm-target-importer/pkg/logging"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// DefaultDirectoryTTL is how long an integrations map stays in the shared cache.
const DefaultDirectoryTTL = 10 * time.Minute

// Directory resolves integration ids per organisation. Lookups are memoised
// for the life of the Directory and optionally shared through a cache.Manager.
type Directory struct {
	exec   Executor
	apiURL string
	cache  *cache.Manager
	ttl    time.Duration
	logger zerolog.Logger

	group singleflight.Group
	mu    sync.Mutex
	memo  map[string]map[string]string
}

// NewDirectory creates a directory. cacheManager may be nil.
func NewDirectory(exec Executor, apiURL string, cacheManager *cache.Manager) *Directory {
	return &Directory{
		exec:   exec,
		apiURL: strings.TrimRight(apiURL, "/"),
		cache:  cacheManager,
		ttl:    DefaultDirectoryTTL,
		logger: logging.NewLogger(logging.ComponentDirectory),
		memo:   make(map[string]map[string]string),
	}
}

// Resolve returns the integration id for integrationType in orgID.
func (d *Directory) Resolve(ctx context.Context, orgID, integrationType string) (string, error) {
	integrations, err := d.Integrations(ctx, orgID)
	if err != nil {
		return "", err
	}
	id, ok := integrations[integrationType]
	if !ok || id == "" {
		return "", fmt.Errorf("org %s has no %q integration", orgID, integrationType)
	}
	return id, nil
}

// Integrations returns the integration type to id map of orgID. Concurrent
// calls for the same organisation share one lookup; other organisations are
// never held up by it.
func (d *Directory) Integrations(ctx context.Context, orgID string) (map[string]string, error) {
	if m, ok := d.memoised(orgID); ok {
		return m, nil
	}

	v, err, _ := d.group.Do(orgID, func() (any, error) {
		if m, ok := d.memoised(orgID); ok {
			return m, nil
		}
		m, err := d.load(ctx, orgID)
		if err != nil {
			return nil, err
		}
		d.mu.Lock()
		d.memo[orgID] = m
		d.mu.Unlock()
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]string), nil
}

func (d *Directory) memoised(orgID string) (map[string]string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.memo[orgID]
	return m, ok
}

// load reads the integrations of orgID from the shared cache or the API.
func (d *Directory) load(ctx context.Context, orgID string) (map[string]string, error) {
	key := cache.Key{Namespace: "integrations", OrgID: orgID}
	if d.cache != nil {
		entry, err := d.cache.Get(ctx, key)
		switch {
		case err == nil:
			var m map[string]string
			if jsonErr := json.Unmarshal(entry.Data, &m); jsonErr == nil {
				return m, nil
			}
		case !errors.Is(err, cache.ErrCacheMiss):
			d.logger.Warn().Err(err).Str("org_id", orgID).Msg("Integrations cache unavailable")
		}
	}

	reqURL := d.apiURL + "/org/" + url.PathEscape(orgID) + "/integrations"
	resp, err := d.exec.Execute(ctx, client.Request{Method: http.MethodGet, URL: reqURL})
	if err != nil {
		return nil, &lookupError{resp: resp, err: fmt.Errorf("list integrations: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &lookupError{resp: resp, err: fmt.Errorf("list integrations: %w", client.NewStatusError(resp))}
	}

	var m map[string]string
	if err := json.Unmarshal(resp.Body, &m); err != nil {
		return nil, fmt.Errorf("decode integrations of org %s: %w", orgID, err)
	}

	d.logger.Debug().
		Str("org_id", orgID).
		Int("integrations", len(m)).
		Msg("Integrations loaded")

	if d.cache != nil {
		if err := d.cache.Set(ctx, key, cache.NewEntry(resp.Body, d.ttl)); err != nil {
			d.logger.Warn().Err(err).Str("org_id", orgID).Msg("Failed to cache integrations")
		}
	}
	return m, nil
}

// lookupError keeps the response of a failed directory call so the caller
// can classify it.
type lookupError struct {
	resp *client.Response
	err  error
}

func (e *lookupError) Error() string { return e.err.Error() }
func (e *lookupError) Unwrap() error { return e.err }
