package policy_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-cfagent/cfagentd/internal/policy"
)

func TestBuilder_AppendBundleAndPromise(t *testing.T) {
	p := policy.NewPolicy()
	b := p.AppendBundle("", policy.BundleAgent, "main", "/inputs/main.cf", nil)
	require.Equal(t, policy.DefaultNamespace, b.Namespace)

	pt := b.AppendPromiseType("files", 3)
	same := b.AppendPromiseType("files", 9)
	assert.Same(t, pt, same, "second AppendPromiseType with the same name must return the existing handle")

	prom := pt.AppendPromise("/etc/motd", policy.NoPromisee, "any", 4)
	_, err := prom.AppendConstraint("perms", policy.Scalar("mog(644)"), "any", true, 5)
	require.NoError(t, err)

	require.Len(t, b.PromiseTypes, 1)
	require.Len(t, pt.Promises, 1)
	require.Len(t, prom.Conlist, 1)
}

func TestBuilder_AppendConstraint_MergesScalarScalar(t *testing.T) {
	p := policy.NewPolicy()
	b := p.AppendBundle("", policy.BundleAgent, "main", "", nil)
	pt := b.AppendPromiseType("classes", 1)
	prom := pt.AppendPromise("ok", policy.NoPromisee, "any", 1)

	_, err := prom.AppendConstraint("ifvarclass", policy.Scalar("first"), "linux", false, 1)
	require.NoError(t, err)
	_, err = prom.AppendConstraint("ifvarclass", policy.Scalar("second"), "linux", false, 2)
	require.NoError(t, err)

	require.Len(t, prom.Conlist, 1)
	assert.Equal(t, "(first).(second)", prom.Conlist[0].Rval.Scalar)
}

func TestBuilder_AppendConstraint_MergesScalarFnCall(t *testing.T) {
	p := policy.NewPolicy()
	b := p.AppendBundle("", policy.BundleAgent, "main", "", nil)
	pt := b.AppendPromiseType("classes", 1)
	prom := pt.AppendPromise("ok", policy.NoPromisee, "any", 1)

	_, err := prom.AppendConstraint("if", policy.Scalar("first"), "any", false, 1)
	require.NoError(t, err)
	_, err = prom.AppendConstraint("if", policy.FnCall("classmatch", policy.Scalar("linux.*"), policy.Scalar("linux")), "any", false, 2)
	require.NoError(t, err)

	require.Len(t, prom.Conlist, 1)
	merged := prom.Conlist[0].Rval
	require.True(t, merged.IsFnCall())
	assert.Equal(t, "and", merged.FnName)
}

func TestBuilder_AppendConstraint_IncompatibleMergeFails(t *testing.T) {
	p := policy.NewPolicy()
	b := p.AppendBundle("", policy.BundleAgent, "main", "", nil)
	pt := b.AppendPromiseType("classes", 1)
	prom := pt.AppendPromise("ok", policy.NoPromisee, "any", 1)

	_, err := prom.AppendConstraint("ifvarclass", policy.ListOf(policy.Scalar("a")), "any", false, 1)
	require.NoError(t, err)
	_, err = prom.AppendConstraint("ifvarclass", policy.ListOf(policy.Scalar("b")), "any", false, 2)
	assert.Error(t, err)
}

func TestBody_AppendConstraint_ReplacesOnDuplicateKey(t *testing.T) {
	p := policy.NewPolicy()
	body := p.AppendBody("", "perms", "mog", nil)

	body.AppendConstraint("mode", policy.Scalar("644"), "any", false, 1)
	body.AppendConstraint("mode", policy.Scalar("755"), "any", false, 2)

	require.Len(t, body.Conlist, 1)
	assert.Equal(t, "755", body.Conlist[0].Rval.Scalar)
}

func TestQuery_GetBundleNamespaceQualified(t *testing.T) {
	p := policy.NewPolicy()
	p.AppendBundle("utils", policy.BundleCommon, "helpers", "", nil)

	got := p.GetBundle(nil, policy.BundleCommon, "utils:helpers")
	require.NotNil(t, got)
	assert.Equal(t, "helpers", got.Name)

	miss := p.GetBundle(nil, policy.BundleCommon, "other:helpers")
	assert.Nil(t, miss)
}

func TestMerge_ConcatenatesWithoutDedup(t *testing.T) {
	a := policy.NewPolicy()
	a.AppendBundle("", policy.BundleAgent, "main", "", nil)
	b := policy.NewPolicy()
	b.AppendBundle("", policy.BundleAgent, "main", "", nil)

	merged := policy.Merge(a, b)
	assert.Len(t, merged.Bundles, 2)
}

func TestHash_StableAcrossEquivalentConstruction(t *testing.T) {
	build := func() *policy.Policy {
		p := policy.NewPolicy()
		b := p.AppendBundle("", policy.BundleAgent, "main", "", []string{"x"})
		pt := b.AppendPromiseType("files", 1)
		prom := pt.AppendPromise("/etc/motd", policy.NoPromisee, "any", 2)
		prom.AppendConstraint("perms", policy.Scalar("mog(644)"), "any", false, 3)
		return p
	}

	h1 := policy.Hash(build())
	h2 := policy.Hash(build())
	assert.Equal(t, h1, h2)
}

func TestHash_ChangesWithContent(t *testing.T) {
	p1 := policy.NewPolicy()
	p1.AppendBundle("", policy.BundleAgent, "a", "", nil)
	p2 := policy.NewPolicy()
	p2.AppendBundle("", policy.BundleAgent, "b", "", nil)

	assert.NotEqual(t, policy.Hash(p1), policy.Hash(p2))
}

func TestCopy_RoundTripsHashAndIsIndependent(t *testing.T) {
	p := policy.NewPolicy()
	b := p.AppendBundle("", policy.BundleAgent, "main", "", nil)
	pt := b.AppendPromiseType("files", 1)
	prom := pt.AppendPromise("/etc/motd", policy.NoPromisee, "any", 2)
	prom.AppendConstraint("perms", policy.Scalar("mog(644)"), "any", false, 3)

	cp := p.Copy()
	assert.Equal(t, policy.Hash(p), policy.Hash(cp))

	cp.Bundles[0].PromiseTypes[0].Promises[0].Conlist[0].Rval = policy.Scalar("mog(755)")
	assert.NotEqual(t, policy.Hash(p), policy.Hash(cp))
}

func TestTreeJSON_RoundTrip(t *testing.T) {
	p := policy.NewPolicy()
	b := p.AppendBundle("", policy.BundleAgent, "main", "/inputs/main.cf", []string{"arg1"})
	b.Line = 1
	pt := b.AppendPromiseType("files", 2)
	prom := pt.AppendPromise("/etc/motd", policy.NoPromisee, "any", 3)
	prom.AppendConstraint("perms", policy.Scalar("mog(644)"), "any", false, 4)

	raw, err := p.ToTreeJSON()
	require.NoError(t, err)

	back, err := policy.PolicyFromTreeJSON(raw)
	require.NoError(t, err)

	require.Len(t, back.Bundles, 1)
	assert.Equal(t, "main", back.Bundles[0].Name)
	assert.Equal(t, "/inputs/main.cf", back.Bundles[0].SourcePath)
	require.Len(t, back.Bundles[0].PromiseTypes, 1)
	require.Len(t, back.Bundles[0].PromiseTypes[0].Promises, 1)
	gotPromise := back.Bundles[0].PromiseTypes[0].Promises[0]
	assert.Equal(t, "/etc/motd", gotPromise.Promiser)
	require.Len(t, gotPromise.Conlist, 1)
	assert.Equal(t, "mog(644)", gotPromise.Conlist[0].Rval.Scalar)
}

func TestValue_EscapeScalar(t *testing.T) {
	assert.Equal(t, `a\'b\"c`, policy.EscapeScalar(`a'b"c`))
}

func TestValue_EqualAndCopyAreIndependent(t *testing.T) {
	v := policy.ListOf(policy.Scalar("a"), policy.FnCall("concat", policy.Scalar("b")))
	cp := v.Copy()
	assert.True(t, v.Equal(cp))

	cp.List[0] = policy.Scalar("z")
	assert.False(t, v.Equal(cp))
}
