package offlinecache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstallWithFailingPrecacheAsset(t *testing.T) {
	f := newFixture(t, nil)
	for _, path := range []string{"/", "/index.html", "/offline.html", "/css/main.css", "/js/main.js"} {
		f.origin.set(path, "content of "+path)
	}

	report, err := f.oc.Install(context.Background(), Manifest{
		Version:  "v1",
		Core:     []string{"/", "/index.html", "/offline.html"},
		Precache: []string{"/css/main.css", "/js/main.js", "/js/missing.js", "/index.html"},
	})
	require.NoError(t, err)
	assert.Equal(t, Active, report.State)
	assert.Equal(t, 3, report.Core)
	assert.Equal(t, 2, report.Precached)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, errors.CodeNetwork, errors.GetCode(report.Failed[0]))

	gen := f.oc.Current()
	require.NotNil(t, gen)
	var keys []string
	require.NoError(t, f.oc.Store().Keys(gen, func(k string) { keys = append(keys, k) }))
	assert.ElementsMatch(t, []string{
		"GET:/", "GET:/index.html", "GET:/offline.html", "GET:/css/main.css", "GET:/js/main.js",
	}, keys)
	// core assets listed again as precache assets are fetched once
	assert.Equal(t, 1, f.origin.count("/index.html"))
}

func TestInstallCoreFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.origin.set("/", "home")

	report, err := f.oc.Install(context.Background(), Manifest{
		Version: "v1",
		Core:    []string{"/", "/offline.html"},
	})
	require.Error(t, err)
	assert.Equal(t, errors.CodeExecutionFailed, errors.GetCode(err))
	assert.Equal(t, Redundant, report.State)

	generations, err := f.oc.Store().Generations()
	require.NoError(t, err)
	assert.Empty(t, generations)
	assert.Nil(t, f.oc.Current())
	state, ok := f.oc.VersionState("v1")
	require.True(t, ok)
	assert.Equal(t, Redundant, state)
}

func TestActivationDeletesOtherGenerations(t *testing.T) {
	f := newFixture(t, nil)
	f.install(t, "v1")
	f.origin.set("/api/scores", "v1 scores")
	s1 := f.oc.Attach()
	_, _, err := f.get(t, s1, "/api/scores")
	require.NoError(t, err)

	f.install(t, "v2")

	generations, err := f.oc.Store().Generations()
	require.NoError(t, err)
	assert.Equal(t, []string{"v2"}, generations)
	assert.Equal(t, "v2", f.oc.Current().ID())

	// the old session keeps its generation, which is gone
	assert.Equal(t, "v1", s1.Generation().ID())
	assert.True(t, s1.Generation().Retired())
	_, ok, err := f.oc.Store().Match(s1.Generation(), httptest.NewRequest("GET", "/api/scores", nil))
	require.NoError(t, err)
	assert.False(t, ok)

	// new sessions use the new generation
	assert.Equal(t, "v2", f.oc.Attach().Generation().ID())

	state, _ := f.oc.VersionState("v1")
	assert.Equal(t, Redundant, state)
}

func TestWritesToRetiredGenerationAreDropped(t *testing.T) {
	f := newFixture(t, nil)
	f.install(t, "v1")
	s1 := f.oc.Attach()
	f.install(t, "v2")

	f.origin.set("/api/scores", "late")
	res, body, err := f.get(t, s1, "/api/scores")
	require.NoError(t, err)
	assert.Equal(t, "late", body)
	assert.Equal(t, "Offline-Cache; fwd=request", res.Header.Get("Cache-Status"))

	generations, err := f.oc.Store().Generations()
	require.NoError(t, err)
	assert.Equal(t, []string{"v2"}, generations)

	err = f.oc.Store().Put(s1.Generation(), httptest.NewRequest("GET", "/x", nil), &http.Response{StatusCode: 200, Header: http.Header{}})
	assert.ErrorIs(t, err, ErrGenerationRetired)
}

func TestDeferredTakeover(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Takeover = TakeoverDeferred })
	var (
		mutex     sync.Mutex
		activated []string
	)
	f.oc.OnActivate(func(version string) {
		mutex.Lock()
		defer mutex.Unlock()
		activated = append(activated, version)
	})

	// nothing active yet, so the first version takes over right away
	report := f.install(t, "v1")
	assert.Equal(t, Active, report.State)

	report = f.install(t, "v2")
	assert.Equal(t, Waiting, report.State)
	assert.Equal(t, Status{Version: "v1", State: "active", Waiting: "v2"}, f.oc.Status())
	assert.Equal(t, "v1", f.oc.Current().ID())

	generations, err := f.oc.Store().Generations()
	require.NoError(t, err)
	assert.Equal(t, []string{"v1", "v2"}, generations)

	require.NoError(t, f.oc.Proceed())
	assert.Equal(t, Status{Version: "v2", State: "active"}, f.oc.Status())
	assert.ErrorIs(t, f.oc.Proceed(), ErrNothingWaiting)

	mutex.Lock()
	defer mutex.Unlock()
	assert.Equal(t, []string{"v1", "v2"}, activated)
}

func TestNewerInstallSupersedesWaiting(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Takeover = TakeoverDeferred })
	f.install(t, "v1")
	f.install(t, "v2")
	f.install(t, "v3")

	state, _ := f.oc.VersionState("v2")
	assert.Equal(t, Redundant, state)
	assert.Equal(t, "v3", f.oc.Status().Waiting)

	generations, err := f.oc.Store().Generations()
	require.NoError(t, err)
	assert.Equal(t, []string{"v1", "v3"}, generations)
}

func TestInstallSameVersion(t *testing.T) {
	f := newFixture(t, nil)
	f.install(t, "v1")

	_, err := f.oc.Install(context.Background(), Manifest{Version: "v1"})
	require.Error(t, err)
	assert.Equal(t, errors.CodeAlreadyExists, errors.GetCode(err))
	assert.ErrorIs(t, err, ErrVersionInstalled)

	_, err = f.oc.Install(context.Background(), Manifest{})
	assert.Equal(t, errors.CodeInvalidConfig, errors.GetCode(err))
}

func TestPassthroughBeforeActivation(t *testing.T) {
	f := newFixture(t, nil)
	f.origin.set("/assets/app.1a2b3c4d.js", "js")
	s := f.oc.Attach()
	assert.Nil(t, s.Generation())

	res, body, err := f.get(t, s, "/assets/app.1a2b3c4d.js")
	require.NoError(t, err)
	assert.Equal(t, "js", body)
	assert.Equal(t, "Offline-Cache; fwd=bypass", res.Header.Get("Cache-Status"))

	// the session claims the first activated generation
	f.install(t, "v1")
	require.NotNil(t, s.Generation())
	assert.Equal(t, "v1", s.Generation().ID())
}
