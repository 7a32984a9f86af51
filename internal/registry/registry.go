// Package registry maintains the catalog of tool-providing modules.
//
// Modules self-describe through manifests fetched from {base_url}/manifest.
// The registry caches manifests with a TTL, filters the visible tool set by
// user permission and persona allowlist, and resolves tool names to the
// module endpoints that serve them. Builtin modules (scheduler, coder)
// register in-process and bypass HTTP entirely.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/pkg/models"
)

var (
	// ErrUnknownTool is returned when no cached manifest declares the tool.
	ErrUnknownTool = errors.New("registry: unknown tool")

	// ErrUnknownModule is returned when a module name is not configured.
	ErrUnknownModule = errors.New("registry: unknown module")
)

// manifestMaxBytes bounds how much of a manifest response is read.
const manifestMaxBytes = 1 << 20

// LocalModule is an in-process module: a manifest plus an executor. Local
// tools skip the HTTP dispatch path and run in the gateway process.
type LocalModule interface {
	Manifest() *models.ModuleManifest
	Execute(ctx context.Context, call models.ToolCall) models.ToolResult
}

// entry is one cached manifest. A nil manifest with a non-nil lastErr means
// every fetch so far has failed; a stale fetchedAt hides the module from
// ListTools until a refresh succeeds.
type entry struct {
	manifest  *models.ModuleManifest
	fetchedAt time.Time
	lastErr   error
}

// ModuleStatus is a point-in-time view of one module for health reporting.
type ModuleStatus struct {
	Module    string    `json:"module"`
	BaseURL   string    `json:"base_url,omitempty"`
	Local     bool      `json:"local,omitempty"`
	ToolCount int       `json:"tool_count"`
	FetchedAt time.Time `json:"fetched_at,omitempty"`
	Fresh     bool      `json:"fresh"`
	LastError string    `json:"last_error,omitempty"`
}

// Registry resolves tool names to modules and keeps manifests warm.
//
// Thread safety: all methods are safe for concurrent use. The cache is only
// written by Refresh/RefreshModule/RegisterLocal/SetEndpoints; request paths
// read under RLock.
type Registry struct {
	ttl          time.Duration
	fetchTimeout time.Duration
	refreshEvery time.Duration
	client       *http.Client
	logger       *slog.Logger
	now          func() time.Time

	mu        sync.RWMutex
	endpoints map[string]string
	entries   map[string]*entry
	locals    map[string]LocalModule

	schemas schemaCache
}

// Option configures the registry.
type Option func(*Registry)

// WithLogger overrides the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithHTTPClient overrides the client used for manifest fetches.
func WithHTTPClient(client *http.Client) Option {
	return func(r *Registry) {
		if client != nil {
			r.client = client
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// New creates a registry from the modules section of the config.
func New(cfg config.ModulesConfig, opts ...Option) *Registry {
	r := &Registry{
		ttl:          cfg.CacheTTL,
		fetchTimeout: cfg.FetchTimeout,
		refreshEvery: cfg.RefreshInterval,
		client:       http.DefaultClient,
		logger:       slog.Default().With("component", "registry"),
		now:          time.Now,
		endpoints:    make(map[string]string, len(cfg.Endpoints)),
		entries:      make(map[string]*entry),
		locals:       make(map[string]LocalModule),
	}
	for name, url := range cfg.Endpoints {
		r.endpoints[name] = url
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterLocal adds an in-process module. The manifest is validated the
// same way a fetched one would be.
func (r *Registry) RegisterLocal(mod LocalModule) error {
	if mod == nil {
		return errors.New("registry: nil local module")
	}
	manifest := mod.Manifest()
	if manifest == nil {
		return errors.New("registry: local module has no manifest")
	}
	if err := manifest.Validate(); err != nil {
		return fmt.Errorf("registry: local manifest %s: %w", manifest.ModuleName, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.locals[manifest.ModuleName]; exists {
		return fmt.Errorf("registry: local module %s already registered", manifest.ModuleName)
	}
	if _, exists := r.endpoints[manifest.ModuleName]; exists {
		return fmt.Errorf("registry: module name %s collides with a configured endpoint", manifest.ModuleName)
	}
	r.locals[manifest.ModuleName] = mod
	return nil
}

// Local returns the in-process module registered under the name.
func (r *Registry) Local(module string) (LocalModule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mod, ok := r.locals[module]
	return mod, ok
}

// SetEndpoints replaces the module endpoint map, dropping cache entries for
// modules that disappeared. Used by the config watcher.
func (r *Registry) SetEndpoints(endpoints map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make(map[string]string, len(endpoints))
	for name, url := range endpoints {
		next[name] = url
	}
	for name := range r.entries {
		if _, keep := next[name]; !keep {
			delete(r.entries, name)
		}
	}
	r.endpoints = next
}

// Refresh fetches every configured module manifest concurrently. A failing
// module never aborts the others; the combined error reports each failure.
func (r *Registry) Refresh(ctx context.Context) error {
	r.mu.RLock()
	names := make([]string, 0, len(r.endpoints))
	for name := range r.endpoints {
		names = append(names, name)
	}
	r.mu.RUnlock()

	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		errs  []error
	)
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if err := r.RefreshModule(ctx, name); err != nil {
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
			}
		}(name)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// RefreshModule fetches one module's manifest and updates its cache entry.
// On failure the previous manifest is kept (it ages out via the TTL) and
// lastErr records the failure.
func (r *Registry) RefreshModule(ctx context.Context, name string) error {
	r.mu.RLock()
	baseURL, ok := r.endpoints[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownModule, name)
	}

	manifest, err := r.fetchManifest(ctx, name, baseURL)

	r.mu.Lock()
	e := r.entries[name]
	if e == nil {
		e = &entry{}
		r.entries[name] = e
	}
	if err != nil {
		e.lastErr = err
		r.mu.Unlock()
		r.logger.Warn("manifest refresh failed", "module", name, "error", err)
		return fmt.Errorf("module %s: %w", name, err)
	}
	e.manifest = manifest
	e.fetchedAt = r.now()
	e.lastErr = nil
	r.mu.Unlock()

	r.logger.Debug("manifest refreshed", "module", name, "tools", len(manifest.Tools))
	return nil
}

func (r *Registry) fetchManifest(ctx context.Context, name, baseURL string) (*models.ModuleManifest, error) {
	ctx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/manifest", nil)
	if err != nil {
		return nil, fmt.Errorf("build manifest request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch manifest: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, manifestMaxBytes))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	manifest, err := models.DecodeManifest(body)
	if err != nil {
		return nil, err
	}
	if manifest.ModuleName != name {
		return nil, fmt.Errorf("manifest module_name %q does not match configured name %q", manifest.ModuleName, name)
	}
	return manifest, nil
}

// ListTools returns the tool definitions visible to a user: the tool's
// required permission must not exceed perm, and when the persona carries an
// allowlist the owning module must appear on it. Stale or failed modules are
// omitted until a refresh succeeds. The result is sorted by tool name.
func (r *Registry) ListTools(perm models.PermissionLevel, persona *models.Persona) []models.ToolDefinition {
	now := r.now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	var tools []models.ToolDefinition
	appendVisible := func(module string, defs []models.ToolDefinition) {
		if !persona.Allows(module) {
			return
		}
		for _, def := range defs {
			if perm.AtLeast(def.RequiredPermission) {
				tools = append(tools, def)
			}
		}
	}

	for name, mod := range r.locals {
		appendVisible(name, mod.Manifest().Tools)
	}
	for name, e := range r.entries {
		if e.manifest == nil || now.Sub(e.fetchedAt) > r.ttl {
			continue
		}
		appendVisible(name, e.manifest.Tools)
	}

	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

// Lookup resolves a tool name to its definition and the base URL of the
// serving module. Local tools return an empty base URL.
func (r *Registry) Lookup(toolName string) (models.ToolDefinition, string, error) {
	module := moduleOf(toolName)
	if module == "" {
		return models.ToolDefinition{}, "", fmt.Errorf("%w: %s", ErrUnknownTool, toolName)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if mod, ok := r.locals[module]; ok {
		for _, def := range mod.Manifest().Tools {
			if def.Name == toolName {
				return def, "", nil
			}
		}
		return models.ToolDefinition{}, "", fmt.Errorf("%w: %s", ErrUnknownTool, toolName)
	}

	e, ok := r.entries[module]
	if !ok || e.manifest == nil {
		return models.ToolDefinition{}, "", fmt.Errorf("%w: %s", ErrUnknownTool, toolName)
	}
	for _, def := range e.manifest.Tools {
		if def.Name == toolName {
			return def, r.endpoints[module], nil
		}
	}
	return models.ToolDefinition{}, "", fmt.Errorf("%w: %s", ErrUnknownTool, toolName)
}

// ValidateArguments checks a call's arguments against the tool's declared
// parameter schema. A mismatch returns a *models.ValidationError.
func (r *Registry) ValidateArguments(toolName string, args map[string]any) error {
	def, _, err := r.Lookup(toolName)
	if err != nil {
		return err
	}
	return r.schemas.validate(&def, args)
}

// Snapshot reports every known module for the status surface.
func (r *Registry) Snapshot() []ModuleStatus {
	now := r.now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ModuleStatus, 0, len(r.locals)+len(r.endpoints))
	for name, mod := range r.locals {
		out = append(out, ModuleStatus{
			Module:    name,
			Local:     true,
			ToolCount: len(mod.Manifest().Tools),
			Fresh:     true,
		})
	}
	for name, baseURL := range r.endpoints {
		st := ModuleStatus{Module: name, BaseURL: baseURL}
		if e, ok := r.entries[name]; ok {
			st.FetchedAt = e.fetchedAt
			st.Fresh = e.manifest != nil && now.Sub(e.fetchedAt) <= r.ttl
			if e.manifest != nil {
				st.ToolCount = len(e.manifest.Tools)
			}
			if e.lastErr != nil {
				st.LastError = e.lastErr.Error()
			}
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Module < out[j].Module })
	return out
}

// Start runs the background refresh loop until the context is cancelled.
// An immediate refresh warms the cache before the first tick.
func (r *Registry) Start(ctx context.Context) {
	if err := r.Refresh(ctx); err != nil {
		r.logger.Warn("initial manifest refresh incomplete", "error", err)
	}
	go func() {
		ticker := time.NewTicker(r.refreshEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.Refresh(ctx); err != nil {
					r.logger.Warn("manifest refresh incomplete", "error", err)
				}
			}
		}
	}()
}

func moduleOf(toolName string) string {
	for i := 0; i < len(toolName); i++ {
		if toolName[i] == '.' {
			return toolName[:i]
		}
	}
	return ""
}
