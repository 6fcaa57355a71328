package pkgmodule

import (
	"context"
	"testing"

	"github.com/r3e-cfagent/cfagentd/internal/kvstore"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := NewCache("apt", kvstore.NewMemoryBackend(), kvstore.NewMemoryBackend())
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	return c
}

func TestCache_RebuildInstalled_AllFourKeyVariants(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	err := c.RebuildInstalled(ctx, []PackageRecord{
		{Name: "bash", Version: "5.2", Architecture: "x86_64"},
	})
	if err != nil {
		t.Fatalf("RebuildInstalled: %v", err)
	}

	for _, k := range []struct{ v, a string }{
		{"", ""}, {"5.2", ""}, {"", "x86_64"}, {"5.2", "x86_64"},
	} {
		ok, err := c.IsInstalled(ctx, "bash", k.v, k.a)
		if err != nil {
			t.Fatalf("IsInstalled(%q,%q): %v", k.v, k.a, err)
		}
		if !ok {
			t.Fatalf("expected installed for version=%q arch=%q", k.v, k.a)
		}
	}

	inv, err := c.Inventory(ctx)
	if err != nil {
		t.Fatalf("Inventory: %v", err)
	}
	if inv != "bash-5.2.x86_64" {
		t.Fatalf("unexpected inventory: %q", inv)
	}
}

func TestCache_RebuildInstalled_DiscardsIncompleteRecords(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	if err := c.RebuildInstalled(ctx, []PackageRecord{{Name: "bash"}}); err != nil {
		t.Fatalf("RebuildInstalled: %v", err)
	}
	ok, err := c.IsInstalled(ctx, "bash", "", "")
	if err != nil {
		t.Fatalf("IsInstalled: %v", err)
	}
	if ok {
		t.Fatalf("incomplete record should not be cached as installed")
	}
}

func TestCache_LatestTreatedAsWildcard(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	if err := c.RebuildInstalled(ctx, []PackageRecord{{Name: "bash", Version: "5.2", Architecture: "x86_64"}}); err != nil {
		t.Fatalf("RebuildInstalled: %v", err)
	}
	ok, err := c.IsInstalled(ctx, "bash", "latest", "")
	if err != nil {
		t.Fatalf("IsInstalled: %v", err)
	}
	if !ok {
		t.Fatalf("expected latest to probe as a name-only wildcard and hit")
	}
}

func TestCache_Updates_ParsesAppendedLines(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	if err := c.RebuildUpdates(ctx, []PackageRecord{
		{Name: "zlib", Version: "1.3", Architecture: "x86_64"},
		{Name: "zlib", Version: "1.3", Architecture: "i686"},
	}); err != nil {
		t.Fatalf("RebuildUpdates: %v", err)
	}

	updates, err := c.Updates(ctx, "zlib")
	if err != nil {
		t.Fatalf("Updates: %v", err)
	}
	if len(updates) != 2 {
		t.Fatalf("expected 2 update records, got %d: %+v", len(updates), updates)
	}
	if updates[0].Architecture != "x86_64" || updates[1].Architecture != "i686" {
		t.Fatalf("unexpected architectures: %+v", updates)
	}
}

func TestCache_Updates_NoEntryReturnsEmpty(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	updates, err := c.Updates(ctx, "bash")
	if err != nil {
		t.Fatalf("Updates: %v", err)
	}
	if len(updates) != 0 {
		t.Fatalf("expected no updates, got %+v", updates)
	}
}

func TestCache_MarkInstalledThenMarkRemoved(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	if err := c.MarkInstalled(ctx, "bash", "5.2", "x86_64"); err != nil {
		t.Fatalf("MarkInstalled: %v", err)
	}
	ok, _ := c.IsInstalled(ctx, "bash", "5.2", "x86_64")
	if !ok {
		t.Fatalf("expected installed after MarkInstalled")
	}

	if err := c.MarkRemoved(ctx, "bash", "5.2", "x86_64"); err != nil {
		t.Fatalf("MarkRemoved: %v", err)
	}
	ok, _ = c.IsInstalled(ctx, "bash", "5.2", "x86_64")
	if ok {
		t.Fatalf("expected not installed after MarkRemoved")
	}
}
