package evalctx_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-cfagent/cfagentd/internal/evalctx"
	"github.com/r3e-cfagent/cfagentd/internal/kvstore"
)

func TestPutHardClass_DefinesHierarchicalSuffixes(t *testing.T) {
	c := evalctx.New(nil)
	c.PutHardClass("debian.linux.any")

	assert.True(t, c.IsMember("debian.linux.any"))
	assert.True(t, c.IsMember("linux.any"))
	assert.True(t, c.IsMember("any"))
	assert.False(t, c.IsMember("debian"))
}

func TestIsDefinedClass_UsesContextMembership(t *testing.T) {
	c := evalctx.New(nil)
	c.PutHardClass("linux")
	c.PutSoftClass("classes.change")

	ok, err := c.IsDefinedClass("linux.classes.change")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.IsDefinedClass("!windows")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestActivateOutcomeClasses_Change(t *testing.T) {
	c := evalctx.New(evalctx.NewPersistentClassStore(kvstore.NewMemoryBackend()))
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	err := c.ActivateOutcomeClasses(context.Background(), "change", now, time.Hour, evalctx.PolicyPreserve)
	require.NoError(t, err)

	assert.True(t, c.IsMember("classes.change"))
	assert.True(t, c.IsMember("classes.persist"))
}

func TestActivateOutcomeClasses_Kept(t *testing.T) {
	c := evalctx.New(nil)
	err := c.ActivateOutcomeClasses(context.Background(), "kept", time.Now(), 0, evalctx.PolicyReset)
	require.NoError(t, err)
	assert.True(t, c.IsMember("classes.kept"))
	assert.False(t, c.IsMember("classes.change"))
}

func TestPersistentClassStore_ActiveClassesExpiresEntries(t *testing.T) {
	backend := kvstore.NewMemoryBackend()
	store := evalctx.NewPersistentClassStore(backend)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.Put(context.Background(), "stays", time.Hour, evalctx.PolicyPreserve, now))
	require.NoError(t, store.Put(context.Background(), "expires", time.Second, evalctx.PolicyReset, now))

	active, err := store.ActiveClasses(context.Background(), now.Add(10*time.Minute))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"stays"}, active)
}

func TestRestorePersistentClasses_ActivatesAsSoftClasses(t *testing.T) {
	backend := kvstore.NewMemoryBackend()
	store := evalctx.NewPersistentClassStore(backend)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Put(context.Background(), "classes.persist", time.Hour, evalctx.PolicyPreserve, now))

	c := evalctx.New(store)
	require.NoError(t, c.RestorePersistentClasses(context.Background(), now))

	assert.True(t, c.IsMember("classes.persist"))
}

func TestVariablePutSpecial_GetRoundTrip(t *testing.T) {
	c := evalctx.New(nil)
	c.VariablePutSpecial("this", "promiser", "/etc/motd", "string")

	v, ok := c.VariableGet("this", "promiser")
	require.True(t, ok)
	assert.Equal(t, "/etc/motd", v.Value)
	assert.Equal(t, "string", v.DataType)

	_, ok = c.VariableGet("this", "missing")
	assert.False(t, ok)
}
