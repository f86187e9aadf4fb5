package transport

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-relay/pkg/artifacts"
	"github.com/Mindburn-Labs/helm-relay/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-relay/pkg/contracts"
)

func newQueue(t *testing.T, mirror artifacts.Store) *Queue {
	t.Helper()
	layout := Layout{Base: t.TempDir()}
	require.NoError(t, layout.Ensure())
	q := NewQueue(layout, mirror)
	t.Cleanup(func() { _ = q.Unlock() })
	return q
}

func drop(t *testing.T, q *Queue, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(q.Layout().Inbox(), name), []byte(body), 0o644))
}

func TestLayout_Ensure(t *testing.T) {
	l := Layout{Base: t.TempDir()}
	require.NoError(t, l.Ensure())
	for _, dir := range []string{l.Inbox(), l.Processing(), l.Outbox(), l.Archive(), l.Deliver(), l.Alerts(), l.Keys(), l.Data()} {
		info, err := os.Stat(dir)
		require.NoError(t, err, dir)
		assert.True(t, info.IsDir())
	}
	info, err := os.Stat(l.Keys())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
}

func TestPending_SortedAndFiltered(t *testing.T) {
	q := newQueue(t, nil)
	drop(t, q, "b.json", "{}")
	drop(t, q, "a.json", "{}")
	drop(t, q, ".hidden.json", "{}")
	drop(t, q, "notes.txt", "x")
	require.NoError(t, os.Mkdir(filepath.Join(q.Layout().Inbox(), "dir.json"), 0o750))

	names, err := q.Pending()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.json", "b.json"}, names)
}

func TestClaim_MovesToProcessing(t *testing.T) {
	q := newQueue(t, nil)
	drop(t, q, "msg-1.json", `{"x":1}`)

	a, err := q.Claim("msg-1.json")
	require.NoError(t, err)
	assert.Equal(t, "msg-1", a.Stem)
	assert.Equal(t, filepath.Join(q.Layout().Processing(), DefaultInstance, "msg-1.json"), a.Path)
	assert.FileExists(t, a.Path)
	assert.NoFileExists(t, filepath.Join(q.Layout().Inbox(), "msg-1.json"))

	_, err = q.Claim("msg-1.json")
	assert.ErrorIs(t, err, ErrClaimLost)
}

func TestClaim_RejectsPathNames(t *testing.T) {
	q := newQueue(t, nil)
	_, err := q.Claim("../escape.json")
	assert.Error(t, err)
}

func TestWriteResponse_NamingAndNoOverwrite(t *testing.T) {
	q := newQueue(t, nil)
	drop(t, q, "msg-1.json", "{}")
	a, err := q.Claim("msg-1.json")
	require.NoError(t, err)

	ok, err := q.WriteResponse(a, contracts.StatusAccepted, []byte(`{"status":"accepted"}`))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(q.Layout().Outbox(), "msg-1_response.json"), ok)

	bad, err := q.WriteResponse(a, contracts.StatusRejected, []byte(`{"status":"rejected"}`))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(q.Layout().Outbox(), "msg-1_error.json"), bad)

	again, err := q.WriteResponse(a, contracts.StatusRejected, []byte(`{"second":true}`))
	require.NoError(t, err)
	assert.NotEqual(t, bad, again)

	first, err := os.ReadFile(bad)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"rejected"}`, string(first))

	entries, err := os.ReadDir(q.Layout().Outbox())
	require.NoError(t, err)
	assert.Len(t, entries, 3, "no temp files remain")
}

func TestArchive_MovesVerbatimAndMirrors(t *testing.T) {
	mirror, err := artifacts.NewFileStore(t.TempDir())
	require.NoError(t, err)
	q := newQueue(t, mirror)
	body := `{"message_id":"m-1",  "weird spacing":true}`
	drop(t, q, "msg-1.json", body)

	a, err := q.Claim("msg-1.json")
	require.NoError(t, err)
	raw, err := q.Read(a)
	require.NoError(t, err)

	dst, err := q.Archive(context.Background(), a, raw)
	require.NoError(t, err)
	archived, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, body, string(archived))
	assert.NoFileExists(t, a.Path)

	ok, err := mirror.Exists(context.Background(), "sha256:"+sha256Hex(raw))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClaim_NeverReplacesInFlightClaim(t *testing.T) {
	q := newQueue(t, nil)
	drop(t, q, "m.json", `{"first":1}`)
	first, err := q.Claim("m.json")
	require.NoError(t, err)

	drop(t, q, "m.json", `{"second":2}`)
	second, err := q.Claim("m.json")
	require.NoError(t, err)
	assert.NotEqual(t, first.Path, second.Path)
	assert.Equal(t, "m", second.Stem)

	a, err := q.Read(first)
	require.NoError(t, err)
	assert.JSONEq(t, `{"first":1}`, string(a))
	b, err := q.Read(second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"second":2}`, string(b))
}

func TestArchive_NeverReplacesArchivedFile(t *testing.T) {
	q := newQueue(t, nil)
	var archived []string
	for _, body := range []string{`{"n":1}`, `{"n":2}`} {
		drop(t, q, "dup.json", body)
		a, err := q.Claim("dup.json")
		require.NoError(t, err)
		dst, err := q.Archive(context.Background(), a, []byte(body))
		require.NoError(t, err)
		archived = append(archived, dst)
	}
	require.NotEqual(t, archived[0], archived[1])
	first, err := os.ReadFile(archived[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(first))
}

func TestStranded_OwnClaims(t *testing.T) {
	q := newQueue(t, nil)
	require.NoError(t, q.Lock())
	require.NoError(t, os.WriteFile(filepath.Join(q.ClaimDir(), "left.json"), []byte("{}"), 0o644))

	stranded, err := q.Stranded(context.Background())
	require.NoError(t, err)
	require.Len(t, stranded, 1)
	assert.Equal(t, "left", stranded[0].Stem)
	assert.Equal(t, filepath.Join(q.ClaimDir(), "left.json"), stranded[0].Path)
}

func TestStranded_LeavesLiveInstanceClaimsAlone(t *testing.T) {
	layout := Layout{Base: t.TempDir()}
	require.NoError(t, layout.Ensure())
	a := NewQueue(layout, nil, WithInstance("relay-a"))
	b := NewQueue(layout, nil, WithInstance("relay-b"))
	t.Cleanup(func() { _ = a.Unlock(); _ = b.Unlock() })

	require.NoError(t, os.WriteFile(filepath.Join(layout.Inbox(), "m.json"), []byte(`{}`), 0o644))
	claimed, err := a.Claim("m.json")
	require.NoError(t, err)

	stranded, err := b.Stranded(context.Background())
	require.NoError(t, err)
	assert.Empty(t, stranded)
	assert.FileExists(t, claimed.Path)

	require.NoError(t, a.Unlock())
	stranded, err = b.Stranded(context.Background())
	require.NoError(t, err)
	require.Len(t, stranded, 1)
	assert.Equal(t, filepath.Join(b.ClaimDir(), "m.json"), stranded[0].Path)
	assert.NoFileExists(t, claimed.Path)
}

func TestLock_SameInstanceIsExclusive(t *testing.T) {
	layout := Layout{Base: t.TempDir()}
	require.NoError(t, layout.Ensure())
	first := NewQueue(layout, nil, WithInstance("relay-a"))
	t.Cleanup(func() { _ = first.Unlock() })
	require.NoError(t, first.Lock())
	require.NoError(t, first.Lock())

	second := NewQueue(layout, nil, WithInstance("relay-a"))
	require.ErrorIs(t, second.Lock(), ErrInstanceBusy)

	require.NoError(t, first.Unlock())
	require.NoError(t, second.Lock())
	require.NoError(t, second.Unlock())
}

func TestLock_RejectsUnsafeInstance(t *testing.T) {
	q := NewQueue(Layout{Base: t.TempDir()}, nil, WithInstance("../x"))
	assert.Error(t, q.Lock())
}

func TestWriteExclusive_KeepsExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")
	p1, err := WriteExclusive(path, []byte("1"))
	require.NoError(t, err)
	p2, err := WriteExclusive(path, []byte("2"))
	require.NoError(t, err)
	assert.Equal(t, path, p1)
	assert.NotEqual(t, p1, p2)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "1", string(got))
}

func sha256Hex(b []byte) string {
	return canonicalize.HashBytes(b)
}
