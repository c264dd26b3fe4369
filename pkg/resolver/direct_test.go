package resolver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/refdl/pkg/taxonomy"
)

func TestDirectURLResolverCanHandle(t *testing.T) {
	r := NewDirectURLResolver()
	assert.True(t, r.CanHandle("https://example.com/paper.pdf"))
	assert.True(t, r.CanHandle("http://example.com/paper.pdf"))
	assert.False(t, r.CanHandle("10.1234/abcd"))
	assert.False(t, r.CanHandle("ftp://example.com/paper.pdf"))
	assert.False(t, r.CanHandle("not a url at all"))
}

func TestDirectURLResolverResolve(t *testing.T) {
	r := NewDirectURLResolver()
	step := r.Resolve(context.Background(), "https://example.com/paper.pdf", &Context{})
	require.Equal(t, StepURL, step.Kind)
	assert.Equal(t, "https://example.com/paper.pdf", step.Target.URL)
	assert.Equal(t, "https://example.com", step.Target.Origin)
	assert.Equal(t, "direct_url", step.Target.ResolverName)
}

func TestGenericFallbackResolverAlwaysHandles(t *testing.T) {
	r := NewGenericFallbackResolver()
	assert.True(t, r.CanHandle("anything"))
	assert.True(t, r.CanHandle(""))
}

func TestGenericFallbackResolverResolvesProtocolRelativeURL(t *testing.T) {
	r := NewGenericFallbackResolver()
	step := r.Resolve(context.Background(), "//example.com/paper.pdf", &Context{})
	require.Equal(t, StepURL, step.Kind)
	assert.Equal(t, "https://example.com/paper.pdf", step.Target.URL)
	assert.Equal(t, "https://example.com", step.Target.Origin)
}

func TestGenericFallbackResolverFailsOnNoHost(t *testing.T) {
	r := NewGenericFallbackResolver()
	step := r.Resolve(context.Background(), "not a url", &Context{})
	assert.Equal(t, StepFailed, step.Kind)
	require.Error(t, step.Err)

	var taxErr *taxonomy.Error
	require.True(t, taxonomy.As(step.Err, &taxErr), "fallback failure must classify into the taxonomy, not a bare error")
	assert.Equal(t, taxonomy.NoResolver, taxErr.Kind)

	step = r.Resolve(context.Background(), "example.com/paper.pdf", &Context{})
	assert.Equal(t, StepFailed, step.Kind, "a bare host with no scheme or leading // has no parsed Host")
}
