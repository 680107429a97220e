package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EsupPortail/esup-runner/internal/domain"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := New("1.2.0")
	require.NoError(t, err)
	return r
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		in                  string
		major, minor, patch int
		wantErr             bool
	}{
		{in: "1.2.0", major: 1, minor: 2, patch: 0},
		{in: "0.9.17", major: 0, minor: 9, patch: 17},
		{in: "1.2", wantErr: true},
		{in: "a.b.c", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		major, minor, patch, err := ParseVersion(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.major, major)
		assert.Equal(t, tt.minor, minor)
		assert.Equal(t, tt.patch, patch)
	}
}

func TestCanonicalURL(t *testing.T) {
	got, err := CanonicalURL("http://runner-1:8090/some/path?x=1")
	require.NoError(t, err)
	assert.Equal(t, "http://runner-1:8090", got)

	same, err := CanonicalURL("http://runner-1:8090/")
	require.NoError(t, err)
	assert.Equal(t, got, same)

	_, err = CanonicalURL("runner-1:8090")
	assert.Error(t, err, "url without scheme must be rejected")
}

func TestRegister_VersionGate(t *testing.T) {
	r := newTestRegistry(t)

	// PATCH may differ.
	require.NoError(t, r.Register("http://r1:8090", "r1", "tok-1", "1.2.9", []string{"encoding"}))

	// MINOR mismatch is rejected and the registry stays unchanged.
	err := r.Register("http://r2:8090", "r2", "tok-2", "1.3.0", []string{"encoding"})
	assert.ErrorIs(t, err, ErrVersionMismatch)
	assert.Len(t, r.List(), 1)

	// MAJOR mismatch likewise.
	err = r.Register("http://r3:8090", "r3", "tok-3", "2.2.0", []string{"encoding"})
	assert.ErrorIs(t, err, ErrVersionMismatch)
	assert.Len(t, r.List(), 1)
}

func TestRegister_TokenRotationPreservesRegisteredAt(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register("http://r1:8090", "r1", "tok-old", "1.2.0", []string{"encoding"}))

	first, ok := r.Get("http://r1:8090")
	require.True(t, ok)

	require.NoError(t, r.Register("http://r1:8090/", "r1-renamed", "tok-new", "1.2.1", []string{"encoding", "studio"}))

	rotated, ok := r.Get("http://r1:8090")
	require.True(t, ok)
	assert.Equal(t, "tok-new", rotated.Token)
	assert.Equal(t, "r1-renamed", rotated.Name)
	assert.Equal(t, []string{"encoding", "studio"}, rotated.TaskTypes)
	assert.True(t, rotated.RegisteredAt.Equal(first.RegisteredAt),
		"re-registration must not reset fairness ordering")
	assert.Len(t, r.List(), 1)
}

func TestHeartbeat_UnknownRunner(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Heartbeat("http://ghost:8090", "1.2.0")
	assert.ErrorIs(t, err, ErrUnknownRunner)
}

func TestHeartbeat_RevivesUnreachableRunner(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register("http://r1:8090", "r1", "tok", "1.2.0", []string{"encoding"}))

	// Make the runner stale and sweep it dead.
	r.mu.Lock()
	r.runners["http://r1:8090"].LastHeartbeatAt = time.Now().Add(-10 * time.Minute)
	r.mu.Unlock()
	r.SweepDead(3 * time.Minute)

	got, ok := r.Get("http://r1:8090")
	require.True(t, ok)
	assert.Equal(t, domain.RunnerUnreachable, got.Status)
	assert.Empty(t, r.FindEligible("encoding"), "unreachable runners are not eligible")

	// A heartbeat brings it back.
	require.NoError(t, r.Heartbeat("http://r1:8090", "1.2.0"))
	got, _ = r.Get("http://r1:8090")
	assert.Equal(t, domain.RunnerRegistered, got.Status)
	assert.Len(t, r.FindEligible("encoding"), 1)
}

func TestFindEligible_FiltersAndOrders(t *testing.T) {
	r := newTestRegistry(t)

	// Registered in reverse-lexicographic order with distinct timestamps.
	require.NoError(t, r.Register("http://r2:8090", "r2", "tok", "1.2.0", []string{"encoding"}))
	require.NoError(t, r.Register("http://r1:8090", "r1", "tok", "1.2.0", []string{"encoding", "studio"}))
	require.NoError(t, r.Register("http://r3:8090", "r3", "tok", "1.2.0", []string{"transcription"}))

	r.mu.Lock()
	base := time.Now().Add(-time.Hour)
	r.runners["http://r2:8090"].RegisteredAt = base
	r.runners["http://r1:8090"].RegisteredAt = base.Add(time.Minute)
	r.runners["http://r3:8090"].RegisteredAt = base.Add(2 * time.Minute)
	r.mu.Unlock()

	got := r.FindEligible("encoding")
	require.Len(t, got, 2)
	assert.Equal(t, "http://r2:8090", got[0].URL, "oldest registration comes first")
	assert.Equal(t, "http://r1:8090", got[1].URL)

	assert.Empty(t, r.FindEligible("subtitling"), "no runner advertises this type")
}

func TestFindEligible_TieBrokenByURL(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register("http://rb:8090", "rb", "tok", "1.2.0", []string{"encoding"}))
	require.NoError(t, r.Register("http://ra:8090", "ra", "tok", "1.2.0", []string{"encoding"}))

	at := time.Now()
	r.mu.Lock()
	r.runners["http://ra:8090"].RegisteredAt = at
	r.runners["http://rb:8090"].RegisteredAt = at
	r.mu.Unlock()

	got := r.FindEligible("encoding")
	require.Len(t, got, 2)
	assert.Equal(t, "http://ra:8090", got[0].URL)
	assert.Equal(t, "http://rb:8090", got[1].URL)
}

func TestUnregister_RemovesRunner(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register("http://r1:8090", "r1", "tok", "1.2.0", []string{"encoding"}))
	require.NoError(t, r.Unregister("http://r1:8090/"))

	_, ok := r.Get("http://r1:8090")
	assert.False(t, ok)
	assert.Empty(t, r.List())
}

func TestSweepDead_OnlyMarksStaleRunners(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register("http://fresh:8090", "fresh", "tok", "1.2.0", []string{"encoding"}))
	require.NoError(t, r.Register("http://stale:8090", "stale", "tok", "1.2.0", []string{"encoding"}))

	r.mu.Lock()
	r.runners["http://stale:8090"].LastHeartbeatAt = time.Now().Add(-10 * time.Minute)
	r.mu.Unlock()

	r.SweepDead(3 * time.Minute)

	fresh, _ := r.Get("http://fresh:8090")
	stale, _ := r.Get("http://stale:8090")
	assert.Equal(t, domain.RunnerRegistered, fresh.Status)
	assert.Equal(t, domain.RunnerUnreachable, stale.Status)
}
