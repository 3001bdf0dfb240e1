// File: internal/loader/loader.go
package loader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kexley/coinloop/internal/config"
	"github.com/kexley/coinloop/internal/humanoid"
	"github.com/kexley/coinloop/internal/storage"
)

// State is the lifecycle of one module record.
type State int

const (
	StateUnloaded State = iota
	StateLoading
	StateLoaded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// executionBudget bounds how long a single module script may run.
const executionBudget = 5 * time.Second

type record struct {
	state   State
	exports *Exports
	err     error
}

// Loader resolves the descriptor table, fetches module source from a mirror
// set, and registers executed exports by name.
type Loader struct {
	cfg         config.LoaderConfig
	descriptors map[string]Descriptor
	order       []string

	cache  *sourceCache
	client *http.Client
	caps   Capabilities

	group singleflight.Group

	mu      sync.Mutex
	records map[string]*record

	log *zap.Logger
	// sleep is swapped out in tests so backoff does not stall the suite.
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a Loader from the descriptor table. The dependency graph is
// resolved once here; a cycle or missing dependency is fatal to startup.
func New(cfg config.LoaderConfig, descriptors []Descriptor, kv *storage.Store, client *http.Client, caps Capabilities, logger *zap.Logger) (*Loader, error) {
	order, err := ResolveLoadOrder(descriptors)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve module load order: %w", err)
	}

	byName := make(map[string]Descriptor, len(descriptors))
	records := make(map[string]*record, len(descriptors))
	for _, d := range descriptors {
		byName[d.Name] = d
		records[d.Name] = &record{state: StateUnloaded}
	}

	return &Loader{
		cfg:         cfg,
		descriptors: byName,
		order:       order,
		cache:       newSourceCache(kv, cfg.Version, cfg.CacheTTL, logger),
		client:      client,
		caps:        caps,
		records:     records,
		log:         logger.Named("loader"),
		sleep:       humanoid.Sleep,
	}, nil
}

// LoadOrder returns the resolved topological ordering.
func (l *Loader) LoadOrder() []string {
	out := make([]string, len(l.order))
	copy(out, l.order)
	return out
}

// ModuleState reports the lifecycle state of a module.
func (l *Loader) ModuleState(name string) State {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok := l.records[name]; ok {
		return rec.state
	}
	return StateUnloaded
}

// Exports returns the registered exports of a loaded module.
func (l *Loader) Exports(name string) (*Exports, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[name]
	if !ok || rec.state != StateLoaded {
		return nil, false
	}
	return rec.exports, true
}

// Load fetches, executes, and registers the named module. It is idempotent:
// a loaded module returns its cached exports immediately, and concurrent
// callers for the same in-flight module share a single load.
func (l *Loader) Load(ctx context.Context, name string) (*Exports, error) {
	desc, ok := l.descriptors[name]
	if !ok {
		return nil, fmt.Errorf("unknown module %q", name)
	}

	l.mu.Lock()
	rec := l.records[name]
	switch rec.state {
	case StateLoaded:
		l.mu.Unlock()
		return rec.exports, nil
	case StateFailed:
		l.mu.Unlock()
		return nil, rec.err
	}
	l.mu.Unlock()

	result, err, _ := l.group.Do(name, func() (interface{}, error) {
		return l.doLoad(ctx, desc)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Exports), nil
}

func (l *Loader) doLoad(ctx context.Context, desc Descriptor) (*Exports, error) {
	// Re-check under the group: a previous caller may have finished while we
	// queued behind the singleflight.
	l.mu.Lock()
	rec := l.records[desc.Name]
	if rec.state == StateLoaded {
		l.mu.Unlock()
		return rec.exports, nil
	}
	if rec.state == StateFailed {
		l.mu.Unlock()
		return nil, rec.err
	}
	rec.state = StateLoading
	l.mu.Unlock()

	// Dependencies must be fully loaded before this module's own fetch and
	// execute begin.
	for _, dep := range desc.Dependencies {
		if _, err := l.Load(ctx, dep); err != nil {
			return nil, l.fail(desc.Name, fmt.Errorf("dependency %q of %q: %w", dep, desc.Name, err))
		}
	}

	source, err := l.fetchSource(ctx, desc)
	if err != nil {
		return nil, l.fail(desc.Name, err)
	}

	exports, err := Execute(desc.Name, source, l.caps, executionBudget)
	if err != nil {
		// A code-level failure is permanent; retrying cannot fix a bug.
		return nil, l.fail(desc.Name, err)
	}

	// A module may export an init hook; it runs once, after its dependencies
	// are loaded and before the module is registered. A throw here is as
	// permanent as a load-time throw.
	if exports.Has("init") {
		if _, err := exports.Call("init"); err != nil {
			return nil, l.fail(desc.Name, err)
		}
	}

	l.mu.Lock()
	rec.state = StateLoaded
	rec.exports = exports
	l.mu.Unlock()

	l.log.Info("Module loaded", zap.String("module", desc.Name))
	return exports, nil
}

func (l *Loader) fail(name string, err error) error {
	wrapped := fmt.Errorf("%w: %s: %v", ErrModuleFailed, name, err)
	l.mu.Lock()
	rec := l.records[name]
	rec.state = StateFailed
	rec.err = wrapped
	l.mu.Unlock()
	return wrapped
}

// fetchSource returns the module source, preferring the cache, then sweeping
// the mirror list with backoff between full sweeps.
func (l *Loader) fetchSource(ctx context.Context, desc Descriptor) (string, error) {
	if code, ok := l.cache.Get(ctx, desc.Name); ok {
		l.log.Debug("Module source served from cache", zap.String("module", desc.Name))
		return code, nil
	}

	var lastErr error
	for attempt := 1; attempt <= l.cfg.MaxRetries; attempt++ {
		for _, base := range l.cfg.BaseURLs {
			url := strings.TrimSuffix(base, "/") + "/" + desc.SourcePath
			code, err := l.fetchOne(ctx, url)
			if err != nil {
				lastErr = err
				l.log.Debug("Mirror fetch failed",
					zap.String("module", desc.Name),
					zap.String("url", url),
					zap.Error(err))
				continue
			}
			if err := l.cache.Put(ctx, desc.Name, code); err != nil {
				// A cache write failure only costs a refetch next run.
				l.log.Warn("Failed to cache module source", zap.String("module", desc.Name), zap.Error(err))
			}
			return code, nil
		}

		if attempt < l.cfg.MaxRetries {
			backoff := l.cfg.RetryDelay * time.Duration(attempt)
			l.log.Warn("All mirrors failed, backing off",
				zap.String("module", desc.Name),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff))
			if err := l.sleep(ctx, backoff); err != nil {
				return "", err
			}
		}
	}
	return "", fmt.Errorf("all mirrors failed for %q after %d attempts: %w", desc.Name, l.cfg.MaxRetries, lastErr)
}

func (l *Loader) fetchOne(ctx context.Context, url string) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, l.cfg.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// LoadAll loads every module in the resolved order. A required module's
// failure aborts the whole operation with a remediation hint; an optional
// module's failure is logged and skipped.
func (l *Loader) LoadAll(ctx context.Context) error {
	for _, name := range l.order {
		desc := l.descriptors[name]
		if _, err := l.Load(ctx, name); err != nil {
			if desc.Required {
				return fmt.Errorf("required module %q failed to load: %w (run `coinloop cache clear` and retry)", name, err)
			}
			l.log.Warn("Skipping optional module", zap.String("module", name), zap.Error(err))
		}
	}
	return nil
}
