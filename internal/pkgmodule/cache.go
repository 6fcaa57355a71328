package pkgmodule

import (
	"context"
	"fmt"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/r3e-cfagent/cfagentd/internal/kvstore"
)

// inventoryKey is the special key holding the human-readable CSV listing
// (spec §3/§6).
const inventoryKey = "<inventory>"

// TableKind selects which of the two per-module tables a Cache operation
// targets (spec §3 "installed"/"updates").
type TableKind string

const (
	TableInstalled TableKind = "installed"
	TableUpdates   TableKind = "updates"
)

// Cache is the two-table package cache for one module (spec §3
// "PackageCache"). A read-through LRU layer sits in front of each table's
// PersistenceBackend so repeated per-promise cache probes within one run
// don't re-hit disk for every (name, version, arch) granularity.
type Cache struct {
	module    string
	installed kvstore.PersistenceBackend
	updates   kvstore.PersistenceBackend
	readCache *lru.Cache[string, []byte]
}

// NewCache wraps the installed/updates backends for module.
func NewCache(module string, installed, updates kvstore.PersistenceBackend) (*Cache, error) {
	rc, err := lru.New[string, []byte](4096)
	if err != nil {
		return nil, fmt.Errorf("pkgmodule: allocate read cache: %w", err)
	}
	return &Cache{module: module, installed: installed, updates: updates, readCache: rc}, nil
}

func (c *Cache) table(kind TableKind) kvstore.PersistenceBackend {
	if kind == TableUpdates {
		return c.updates
	}
	return c.installed
}

func (c *Cache) readKey(kind TableKind) string { return string(kind) + ":" }

// cacheGet probes the read-through LRU first, falling back to the backend
// and populating the LRU on a hit.
func (c *Cache) cacheGet(ctx context.Context, kind TableKind, key string) ([]byte, error) {
	lruKey := c.readKey(kind) + key
	if v, ok := c.readCache.Get(lruKey); ok {
		return v, nil
	}
	v, err := c.table(kind).Load(ctx, key)
	if err != nil {
		return nil, err
	}
	c.readCache.Add(lruKey, v)
	return v, nil
}

func (c *Cache) invalidate(kind TableKind, key string) {
	c.readCache.Remove(c.readKey(kind) + key)
}

// KeyVariants returns the four composite key granularities the "installed"
// table writes per installed package (spec §3).
func KeyVariants(name, version, arch string) []string {
	out := []string{"N" + name}
	if version != "" {
		out = append(out, "N"+name+"V"+version)
	}
	if arch != "" {
		out = append(out, "N"+name+"A"+arch)
	}
	if version != "" && arch != "" {
		out = append(out, "N"+name+"V"+version+"A"+arch)
	}
	return out
}

// IsInstalled probes the installed table at the most specific granularity
// available; a version of "" or "latest" probes by name (and arch, if
// given) only — the NULL-version wildcard described in §4.5 step 3.
func (c *Cache) IsInstalled(ctx context.Context, name, version, arch string) (bool, error) {
	if version == "latest" {
		version = ""
	}
	key := "N" + name
	if version != "" {
		key += "V" + version
	}
	if arch != "" {
		key += "A" + arch
	}
	_, err := c.cacheGet(ctx, TableInstalled, key)
	if err == kvstore.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Updates returns the parsed update records for name from the updates
// table ("V<ver>A<arch>\n" lines concatenated under "N<name>", spec §3).
func (c *Cache) Updates(ctx context.Context, name string) ([]PackageRecord, error) {
	raw, err := c.cacheGet(ctx, TableUpdates, "N"+name)
	if err == kvstore.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []PackageRecord
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, PackageRecord{Name: name, Version: extractField(line, "V"), Architecture: extractField(line, "A")})
	}
	return out, nil
}

// extractField pulls the "V..."/"A..." segment out of a "V<ver>A<arch>"
// encoded line.
func extractField(line, marker string) string {
	vi := strings.Index(line, "V")
	ai := strings.Index(line, "A")
	switch marker {
	case "V":
		if vi < 0 {
			return ""
		}
		end := len(line)
		if ai > vi {
			end = ai
		}
		return line[vi+1 : end]
	case "A":
		if ai < 0 {
			return ""
		}
		return line[ai+1:]
	}
	return ""
}

// RebuildInstalled clears the installed table and rewrites all four key
// variants for every record, plus the inventory listing (spec §4.5
// "Cache update"; §8 "for every successful update_cache(installed), for
// every returned (name, ver, arch), the cache returns present for all four
// key granularities").
func (c *Cache) RebuildInstalled(ctx context.Context, records []PackageRecord) error {
	if clearer, ok := c.installed.(interface{ Clear(context.Context) error }); ok {
		if err := clearer.Clear(ctx); err != nil {
			return err
		}
	}
	c.readCache.Purge()

	var inventory []string
	for _, r := range records {
		if r.Version == "" || r.Architecture == "" {
			continue // discard incomplete records, spec §4.5
		}
		for _, k := range KeyVariants(r.Name, r.Version, r.Architecture) {
			if err := c.installed.Save(ctx, k, []byte("1")); err != nil {
				return err
			}
		}
		inventory = append(inventory, fmt.Sprintf("%s-%s.%s", r.Name, r.Version, r.Architecture))
	}
	sort.Strings(inventory)
	return c.installed.Save(ctx, inventoryKey, []byte(strings.Join(inventory, ",")))
}

// RebuildUpdates clears the updates table and appends one "V<ver>A<arch>\n"
// line per record under "N<name>" (spec §4.5).
func (c *Cache) RebuildUpdates(ctx context.Context, records []PackageRecord) error {
	if clearer, ok := c.updates.(interface{ Clear(context.Context) error }); ok {
		if err := clearer.Clear(ctx); err != nil {
			return err
		}
	}
	c.readCache.Purge()

	byName := make(map[string]*strings.Builder)
	order := []string{}
	for _, r := range records {
		if r.Version == "" || r.Architecture == "" {
			continue
		}
		key := "N" + r.Name
		b, ok := byName[key]
		if !ok {
			b = &strings.Builder{}
			byName[key] = b
			order = append(order, key)
		}
		fmt.Fprintf(b, "V%sA%s\n", r.Version, r.Architecture)
	}
	for _, key := range order {
		if err := c.updates.Save(ctx, key, []byte(byName[key].String())); err != nil {
			return err
		}
	}
	return nil
}

// Inventory returns the comma-separated human-readable listing (spec §6).
func (c *Cache) Inventory(ctx context.Context) (string, error) {
	raw, err := c.installed.Load(ctx, inventoryKey)
	if err == kvstore.ErrNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Exists reports whether the installed database file is present, used by
// the forced-update-when-missing rule (spec §8 scenario 7).
func (c *Cache) Exists() bool {
	if fb, ok := c.installed.(interface{ Exists() bool }); ok {
		return fb.Exists()
	}
	return true
}

// MarkInstalled records name/version/arch as newly installed in the
// installed table without a full rebuild, used after a successful
// file-install/repo-install to re-verify a single package (spec §4.5 step
// 4 "on CHANGE, re-verify by updating the cache").
func (c *Cache) MarkInstalled(ctx context.Context, name, version, arch string) error {
	for _, k := range KeyVariants(name, version, arch) {
		if err := c.installed.Save(ctx, k, []byte("1")); err != nil {
			return err
		}
		c.invalidate(TableInstalled, k)
	}
	return nil
}

// MarkRemoved deletes name/version/arch's key variants from the installed
// table after a successful remove (spec §4.5 "Absent action").
func (c *Cache) MarkRemoved(ctx context.Context, name, version, arch string) error {
	for _, k := range KeyVariants(name, version, arch) {
		if err := c.installed.Delete(ctx, k); err != nil {
			return err
		}
		c.invalidate(TableInstalled, k)
	}
	return nil
}
