// Package registry serves per-provider model catalogs through a TTL cache
// and resolves the "provider/model" ids the HTTP surface speaks.
package registry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nghyane/llm-rotor/internal/config"
	"github.com/nghyane/llm-rotor/internal/credential"
	log "github.com/nghyane/llm-rotor/internal/logging"
	"github.com/nghyane/llm-rotor/internal/provider"
	"github.com/tidwall/gjson"
)

const fetchTimeout = 30 * time.Second

// Source is one provider the catalog lists models for. *rotation.Provider
// satisfies it.
type Source interface {
	Name() string
	Plugin() provider.Plugin
	Catalog() []*credential.Credential
}

type rules struct {
	ignore    map[string]struct{}
	whitelist map[string]struct{}
}

func (r rules) allows(id string) bool {
	if len(r.whitelist) > 0 {
		_, ok := r.whitelist[id]
		return ok
	}
	_, blocked := r.ignore[id]
	return !blocked
}

type cacheEntry struct {
	models  []provider.ModelInfo
	expires time.Time
}

// Catalog caches model lists per provider. Static lists from config bypass
// discovery; everything else goes through the plugin with whichever
// credential answers first.
type Catalog struct {
	ttl     time.Duration
	sources map[string]Source
	order   []string
	filters map[string]rules
	static  map[string][]provider.ModelInfo
	now     func() time.Time

	group singleflight.Group
	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// New builds the catalog for the given sources, reading filter and static
// list overrides from the per-provider config blocks.
func New(cfg *config.Config, sources []Source) *Catalog {
	c := &Catalog{
		ttl:     cfg.ModelListCacheTTL,
		sources: make(map[string]Source, len(sources)),
		filters: make(map[string]rules, len(sources)),
		static:  make(map[string][]provider.ModelInfo),
		cache:   make(map[string]cacheEntry),
		now:     time.Now,
	}
	if c.ttl <= 0 {
		c.ttl = 300 * time.Second
	}
	for _, src := range sources {
		name := src.Name()
		c.sources[name] = src
		c.order = append(c.order, name)

		pc := cfg.Provider(name)
		c.filters[name] = newRules(name, pc.IgnoreModels, pc.WhitelistModels)
		if pc.ModelsJSON != "" {
			static := parseStaticList(name, pc.ModelsJSON)
			if len(static) > 0 {
				c.static[name] = static
			}
		}
	}
	return c
}

// newRules normalises filter entries: "provider/model" forms are accepted
// alongside bare model ids.
func newRules(providerName string, ignore, whitelist []string) rules {
	toSet := func(list []string) map[string]struct{} {
		if len(list) == 0 {
			return nil
		}
		set := make(map[string]struct{}, len(list))
		for _, entry := range list {
			entry = strings.TrimSpace(entry)
			entry = strings.TrimPrefix(entry, providerName+"/")
			if entry != "" {
				set[entry] = struct{}{}
			}
		}
		return set
	}
	return rules{ignore: toSet(ignore), whitelist: toSet(whitelist)}
}

// parseStaticList reads a configured model list: a JSON array of id strings
// or of objects carrying an id field.
func parseStaticList(providerName, raw string) []provider.ModelInfo {
	parsed := gjson.Parse(raw)
	if !parsed.IsArray() {
		log.Warnf("%s: models override is not a JSON array, ignoring", providerName)
		return nil
	}
	created := time.Now().Unix()
	var models []provider.ModelInfo
	parsed.ForEach(func(_, item gjson.Result) bool {
		id := item.Str
		if id == "" {
			id = item.Get("id").Str
		}
		if id == "" {
			return true
		}
		models = append(models, provider.ModelInfo{
			ID:      strings.TrimPrefix(id, providerName+"/"),
			Object:  "model",
			Created: created,
			OwnedBy: providerName,
		})
		return true
	})
	return models
}

// Models lists one provider's models, filtered, through the TTL cache.
func (c *Catalog) Models(ctx context.Context, providerName string) ([]provider.ModelInfo, error) {
	src, ok := c.sources[providerName]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", providerName)
	}
	if static, ok := c.static[providerName]; ok {
		return c.filtered(providerName, static), nil
	}
	if models, ok := c.cached(providerName); ok {
		return models, nil
	}

	v, err, _ := c.group.Do(providerName, func() (any, error) {
		if models, ok := c.cached(providerName); ok {
			return models, nil
		}
		fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
		defer cancel()
		models, err := c.fetch(fetchCtx, src)
		if err != nil {
			return nil, err
		}
		c.store(providerName, models)
		return models, nil
	})
	if err != nil {
		return nil, err
	}
	return copyModels(v.([]provider.ModelInfo)), nil
}

// fetch asks the plugin for its model list, trying credentials in random
// order until one answers. Providers without credentials still get one
// attempt so plugins with built-in catalogs can serve it.
func (c *Catalog) fetch(ctx context.Context, src Source) ([]provider.ModelInfo, error) {
	creds := src.Catalog()
	rand.Shuffle(len(creds), func(i, j int) { creds[i], creds[j] = creds[j], creds[i] })
	if len(creds) == 0 {
		creds = []*credential.Credential{nil}
	}

	var lastErr error
	for _, cred := range creds {
		models, err := src.Plugin().Models(ctx, cred)
		if err != nil {
			log.Debugf("%s: model list via %s failed: %v", src.Name(), credName(cred), err)
			lastErr = err
			continue
		}
		return c.filtered(src.Name(), models), nil
	}
	return nil, lastErr
}

func credName(cred *credential.Credential) string {
	if cred == nil {
		return "no credential"
	}
	return cred.DisplayName()
}

// All aggregates every provider's models under "provider/model" ids.
// Providers whose list is unavailable are skipped rather than failing the
// whole listing.
func (c *Catalog) All(ctx context.Context) []provider.ModelInfo {
	var out []provider.ModelInfo
	for _, name := range c.order {
		models, err := c.Models(ctx, name)
		if err != nil {
			log.Debugf("%s: model list unavailable: %v", name, err)
			continue
		}
		for _, m := range models {
			m.ID = name + "/" + m.ID
			out = append(out, m)
		}
	}
	return out
}

// Resolve splits a "provider/model" id. ok is false when the prefix does
// not name a registered provider; the model part may itself contain
// slashes.
func (c *Catalog) Resolve(id string) (providerName, model string, ok bool) {
	idx := strings.IndexByte(id, '/')
	if idx <= 0 || idx == len(id)-1 {
		return "", "", false
	}
	name := id[:idx]
	if _, known := c.sources[name]; !known {
		return "", "", false
	}
	return name, id[idx+1:], true
}

// Invalidate drops the cached list for one provider, or every list when
// name is empty.
func (c *Catalog) Invalidate(providerName string) {
	c.mu.Lock()
	if providerName == "" {
		c.cache = make(map[string]cacheEntry)
	} else {
		delete(c.cache, providerName)
	}
	c.mu.Unlock()
	if providerName != "" {
		c.group.Forget(providerName)
	}
}

func (c *Catalog) filtered(providerName string, models []provider.ModelInfo) []provider.ModelInfo {
	r := c.filters[providerName]
	out := make([]provider.ModelInfo, 0, len(models))
	for _, m := range models {
		if r.allows(m.ID) {
			out = append(out, m)
		}
	}
	return out
}

func (c *Catalog) cached(providerName string) ([]provider.ModelInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.cache[providerName]
	if !ok || c.now().After(entry.expires) {
		return nil, false
	}
	return copyModels(entry.models), true
}

func (c *Catalog) store(providerName string, models []provider.ModelInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[providerName] = cacheEntry{models: models, expires: c.now().Add(c.ttl)}
}

func copyModels(models []provider.ModelInfo) []provider.ModelInfo {
	out := make([]provider.ModelInfo, len(models))
	copy(out, models)
	return out
}
