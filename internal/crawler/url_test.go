package crawler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveURL(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		base     string
		href     string
		expected string
	}{
		{"relative item link", "https://www.vendr.com/categories/devops", "/marketplace/datadog", "https://www.vendr.com/marketplace/datadog"},
		{"absolute with port and fragment", "https://www.vendr.com/categories/devops", "https://WWW.Vendr.com:443/marketplace/x#top", "https://www.vendr.com/marketplace/x"},
		{"query sorted", "https://www.vendr.com/a/b", "c?z=1&a=2", "https://www.vendr.com/a/c?a=2&z=1"},
		{"page parameter kept", "https://www.vendr.com/categories/devops", "/categories/devops/monitoring?page=2", "https://www.vendr.com/categories/devops/monitoring?page=2"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ResolveURL(tc.base, tc.href)
			require.NoError(t, err)
			require.Equal(t, tc.expected, got)
		})
	}
}

func TestResolveURLRejectsNonHTTP(t *testing.T) {
	t.Parallel()

	for _, href := range []string{"mailto:sales@vendr.com", "javascript:void(0)"} {
		_, err := ResolveURL("https://www.vendr.com/categories/devops", href)
		require.ErrorIs(t, err, ErrUnsupportedScheme, href)
	}
}

func TestNormalizeURLKeepsPlainPaths(t *testing.T) {
	t.Parallel()

	got, err := NormalizeURL("HTTP://Shop.Test:80/marketplace/alpha")
	require.NoError(t, err)
	require.Equal(t, "http://shop.test/marketplace/alpha", got)
}
