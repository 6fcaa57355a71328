package validator_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-cfagent/cfagentd/internal/policy"
	"github.com/r3e-cfagent/cfagentd/internal/validator"
)

func TestValidate_DuplicateBundle(t *testing.T) {
	p := policy.NewPolicy()
	p.AppendBundle("", policy.BundleAgent, "foo", "", nil)
	p.AppendBundle("", policy.BundleAgent, "foo", "", nil)

	res := validator.Validate(p, validator.Options{})
	require.False(t, res.Success)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Message, "Duplicate definition of bundle foo with type agent")
}

func TestValidate_ReservedBundleName(t *testing.T) {
	p := policy.NewPolicy()
	p.AppendBundle("", policy.BundleAgent, "sys", "", nil)

	res := validator.Validate(p, validator.Options{})
	require.False(t, res.Success)
	assert.Contains(t, res.Errors[0].Message, "reserved")
}

func TestValidate_ValidPolicySucceeds(t *testing.T) {
	p := policy.NewPolicy()
	p.AppendBody("", "perms", "mog", nil)
	b := p.AppendBundle("", policy.BundleAgent, "main", "", nil)
	pt := b.AppendPromiseType("files", 1)
	prom := pt.AppendPromise("/etc/motd", policy.NoPromisee, "any", 2)
	_, err := prom.AppendConstraint("perms", policy.Scalar("mog"), "any", true, 3)
	require.NoError(t, err)

	res := validator.Validate(p, validator.Options{Runnable: true})
	assert.True(t, res.Success, "%v", res.Errors)
}

func TestValidate_RequireCommentsFlagsMissingComment(t *testing.T) {
	p := policy.NewPolicy()
	b := p.AppendBundle("", policy.BundleAgent, "main", "", nil)
	pt := b.AppendPromiseType("files", 1)
	pt.AppendPromise("/etc/motd", policy.NoPromisee, "any", 2)

	res := validator.Validate(p, validator.Options{Runnable: true, RequireComments: true})
	require.False(t, res.Success)
	assert.Contains(t, res.Errors[0].Message, "require_comments")
}

func TestValidate_UndefinedBundleReference(t *testing.T) {
	p := policy.NewPolicy()
	b := p.AppendBundle("", policy.BundleAgent, "main", "", nil)
	pt := b.AppendPromiseType("methods", 1)
	prom := pt.AppendPromise("x", policy.NoPromisee, "any", 2)
	_, err := prom.AppendConstraint("usebundle", policy.Scalar("nonexistent"), "any", false, 3)
	require.NoError(t, err)

	res := validator.Validate(p, validator.Options{Runnable: true})
	require.False(t, res.Success)
	assert.Contains(t, res.Errors[0].Message, "undefined bundle")
}

func TestValidate_ConstraintTypeMismatch(t *testing.T) {
	p := policy.NewPolicy()
	b := p.AppendBundle("", policy.BundleAgent, "main", "", nil)
	pt := b.AppendPromiseType("files", 1)
	prom := pt.AppendPromise("/etc/motd", policy.NoPromisee, "any", 2)
	_, err := prom.AppendConstraint("perms", policy.ListOf(policy.Scalar("a")), "any", false, 3)
	require.NoError(t, err)

	res := validator.Validate(p, validator.Options{})
	require.False(t, res.Success)
	assert.Contains(t, res.Errors[0].Message, "does not match expected type")
}
