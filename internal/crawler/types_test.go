package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewWorkItemDefaults(t *testing.T) {
	t.Parallel()

	item := NewWorkItem("https://example.com")
	require.Equal(t, http.MethodGet, item.RequestMethod())
	require.Equal(t, DefaultCallback, item.CallbackName())
	require.Zero(t, item.Priority)
	require.False(t, item.DontFilter)

	item = NewWorkItem("https://example.com",
		WithPriority(3),
		WithCallback("detail"),
		WithErrback("failed"),
		WithHeader("X-Test", "1"),
		WithMeta("depth", 2),
		WithDontFilter(),
	)
	require.Equal(t, 3, item.Priority)
	require.Equal(t, "detail", item.CallbackName())
	require.Equal(t, "failed", item.Errback)
	require.Equal(t, "1", item.Headers.Get("X-Test"))
	require.Equal(t, 2, item.MetaInt("depth", 0))
	require.Equal(t, 7, item.MetaInt("missing", 7))
	require.True(t, item.DontFilter)
}

func TestFingerprintStableAcrossInstances(t *testing.T) {
	t.Parallel()

	a := NewWorkItem("https://example.com/p?b=1&a=2", WithMeta("x", 1), WithMeta("y", 2))
	b := NewWorkItem("https://EXAMPLE.com/p?a=2&b=1", WithMeta("y", 2), WithMeta("x", 1))
	require.Equal(t, a.Fingerprint(), b.Fingerprint())
	require.Equal(t, a.Fingerprint(), a.Fingerprint())

	// Meta only matters when marked as identity.
	c := NewWorkItem("https://example.com/p?a=2&b=1", WithMeta("session", "s1"), WithFingerprintKeys("session"))
	d := NewWorkItem("https://example.com/p?a=2&b=1", WithMeta("session", "s2"), WithFingerprintKeys("session"))
	require.NotEqual(t, c.Fingerprint(), d.Fingerprint())
	require.NotEqual(t, a.Fingerprint(), c.Fingerprint())
}

func TestCloneIsIndependent(t *testing.T) {
	t.Parallel()

	orig := NewWorkItem("https://example.com/a", WithHeader("A", "1"), WithMeta("k", "v"), WithBody([]byte("x")))
	fp := orig.Fingerprint()

	cp := orig.Clone()
	cp.Target = "https://example.com/b"
	cp.Headers.Set("A", "2")
	cp.Meta["k"] = "changed"
	cp.Body[0] = 'y'

	require.Equal(t, "1", orig.Headers.Get("A"))
	require.Equal(t, "v", orig.Meta["k"])
	require.Equal(t, []byte("x"), orig.Body)
	require.NotEqual(t, fp, cp.Fingerprint())
	require.Equal(t, fp, orig.Fingerprint())
}

func TestFetchOutcome(t *testing.T) {
	t.Parallel()

	ok := Success("https://example.com", http.StatusOK, []byte("hi"))
	require.False(t, ok.Failed())
	require.NotNil(t, ok.Headers)

	bad := Failure(errors.New("boom"))
	require.True(t, bad.Failed())

	var missing *FetchOutcome
	require.True(t, missing.Failed())
}

func TestSeqHelpers(t *testing.T) {
	t.Parallel()

	var got []Output
	for out, err := range Yield(ResultRecord{"a": 1}, NewWorkItem("x")) {
		require.NoError(t, err)
		got = append(got, out)
	}
	require.Len(t, got, 2)

	boom := errors.New("boom")
	var errs []error
	count := 0
	for _, err := range Fail(boom, ResultRecord{"a": 1}) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		count++
	}
	require.Equal(t, 1, count)
	require.Equal(t, []error{boom}, errs)

	n := 0
	for item, err := range Seeds(NewWorkItem("a"), NewWorkItem("b")) {
		require.NoError(t, err)
		require.NotNil(t, item)
		n++
	}
	require.Equal(t, 2, n)
}

func TestErrorTag(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want string
	}{
		{nil, "none"},
		{fmt.Errorf("wrap: %w", ErrInvalidRecord), "invalid-record"},
		{context.Canceled, "canceled"},
		{fmt.Errorf("fetch: %w", context.DeadlineExceeded), "timeout"},
		{&net.DNSError{Err: "no such host", Name: "x"}, "dns"},
		{&net.OpError{Op: "dial", Err: errors.New("refused")}, "network"},
		{errors.New("other"), "error"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, ErrorTag(tt.err), "err=%v", tt.err)
	}
}
