package source

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMatchesPatternPrefixForm(t *testing.T) {
	require.True(t, MatchesPattern("/news", "/news/*"))
	require.True(t, MatchesPattern("/news/launch", "/news/*"))
	require.True(t, MatchesPattern("/news/2025/06/launch", "/news/*"))
	require.False(t, MatchesPattern("/newsletter", "/news/*"),
		"sibling paths sharing a string prefix must not match")
	require.False(t, MatchesPattern("/blog/post", "/news/*"))
}

func TestMatchesPatternExactForm(t *testing.T) {
	require.True(t, MatchesPattern("/about", "/about"))
	require.True(t, MatchesPattern("/About", "/about"))
	require.False(t, MatchesPattern("/about/team", "/about"))
}

func TestMatchesPatternWildcardForm(t *testing.T) {
	require.True(t, MatchesPattern("/2025/06/some-post", "/*/06/*"))
	require.True(t, MatchesPattern("/archive/2024", "/archive/*2024"))
	require.True(t, MatchesPattern("/Blog/Entry", "/blog/*entry"))
	require.False(t, MatchesPattern("/archive", "/archive/*2024"))
}

func TestPathMatcherSet(t *testing.T) {
	m := NewPathMatcher([]string{"/blog/*", "/news/*", "", "  "})
	require.False(t, m.Empty())
	require.True(t, m.Matches("/blog/my-post"))
	require.True(t, m.Matches("/news"))
	require.False(t, m.Matches("/about"))

	empty := NewPathMatcher(nil)
	require.True(t, empty.Empty())
	require.False(t, empty.Matches("/anything"))
}
