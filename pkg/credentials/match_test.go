package credentials

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttachableJarAttachesMatchingCookies(t *testing.T) {
	bundle := Bundle{Cookies: []Cookie{
		{Domain: ".example.com", Name: "session", Value: "abc123", Path: "/"},
		{Domain: "other.example.org", Name: "unrelated", Value: "xyz"},
	}}

	target, err := url.Parse("https://www.example.com/paper.pdf")
	require.NoError(t, err)

	jar, err := AttachableJar(bundle, target)
	require.NoError(t, err)

	cookies := jar.Cookies(target)
	require.Len(t, cookies, 1)
	assert.Equal(t, "session", cookies[0].Name)
	assert.Equal(t, "abc123", cookies[0].Value)
}

func TestAttachableJarEmptyBundleYieldsNoCookies(t *testing.T) {
	target, err := url.Parse("https://example.com/x")
	require.NoError(t, err)

	jar, err := AttachableJar(Bundle{}, target)
	require.NoError(t, err)
	assert.Empty(t, jar.Cookies(target))
}
