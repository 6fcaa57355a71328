package evalctx_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-cfagent/cfagentd/internal/evalctx"
)

func members(active ...string) func(string) bool {
	set := make(map[string]bool, len(active))
	for _, c := range active {
		set[c] = true
	}
	return func(class string) bool { return set[class] }
}

func TestIsDefinedClass_Any(t *testing.T) {
	ok, err := evalctx.IsDefinedClass("any", members())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIsDefinedClass_Negation(t *testing.T) {
	ok, err := evalctx.IsDefinedClass("!linux", members())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = evalctx.IsDefinedClass("!linux", members("linux"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIsDefinedClass_DotIsAnd(t *testing.T) {
	isMember := members("linux", "debian")
	ok, err := evalctx.IsDefinedClass("linux.debian", isMember)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = evalctx.IsDefinedClass("linux.redhat", isMember)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIsDefinedClass_AmpersandIsAnd(t *testing.T) {
	isMember := members("a", "b")
	ok, err := evalctx.IsDefinedClass("a&b", isMember)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIsDefinedClass_PipeIsOr(t *testing.T) {
	isMember := members("a")
	ok, err := evalctx.IsDefinedClass("a|b", isMember)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = evalctx.IsDefinedClass("c|b", isMember)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIsDefinedClass_ParensOverrideAndBeforeOr(t *testing.T) {
	isMember := members("a")
	// Without parens, "&" binds tighter than "|", so this is a|(b&c) = true.
	ok, err := evalctx.IsDefinedClass("a|b&c", isMember)
	require.NoError(t, err)
	assert.True(t, ok)

	// Forcing the OR to evaluate first makes it (a|b)&c = false, since c is unset.
	ok, err = evalctx.IsDefinedClass("(a|b)&c", isMember)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIsDefinedClass_UnknownTokenIsError(t *testing.T) {
	_, err := evalctx.IsDefinedClass("a$b", members())
	assert.Error(t, err)
}

func TestIsDefinedClass_UnbalancedParenIsError(t *testing.T) {
	_, err := evalctx.IsDefinedClass("(a", members("a"))
	assert.Error(t, err)
}

func TestIsDefinedClass_TrailingTokensIsError(t *testing.T) {
	_, err := evalctx.IsDefinedClass("a)", members("a"))
	assert.Error(t, err)
}
