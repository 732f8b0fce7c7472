package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func info(id, state string, created time.Time) Info {
	return Info{ID: id, ClientAddr: "203.0.113.7", ClientPort: 4000, State: state, Created: created}
}

func TestMemoryLifecycle(t *testing.T) {
	m := NewMemory("a")
	now := time.Now()
	require.NoError(t, m.Add(info("s2", "connecting", now.Add(time.Second))))
	require.NoError(t, m.Add(info("s1", "connecting", now)))
	require.Error(t, m.Add(info("s1", "connecting", now)))

	require.NoError(t, m.SetState("s1", "bridged"))
	require.ErrorIs(t, m.SetState("nope", "bridged"), ErrUnknownSession)

	st := m.Stats()
	require.Equal(t, Stats{Instance: "a", Active: 2, Connecting: 1, Bridged: 1, Total: 2, Cluster: 2}, st)

	list := m.List()
	require.Len(t, list, 2)
	require.Equal(t, "s1", list[0].ID)
	require.Equal(t, "a", list[0].Instance)

	require.NoError(t, m.Remove("s1"))
	require.NoError(t, m.Remove("s1"))
	st = m.Stats()
	require.Equal(t, 1, st.Active)
	require.Equal(t, int64(2), st.Total)
}

func TestMemoryReadiness(t *testing.T) {
	m := NewMemory("a")
	require.False(t, m.Ready())
	m.SetReady(true)
	require.True(t, m.Ready())
	m.SetClosing(true)
	require.True(t, m.Closing())
}

func TestNewPicksBackend(t *testing.T) {
	s, err := New("a", "", "", 0)
	require.NoError(t, err)
	require.IsType(t, &Memory{}, s)

	mr := miniredis.RunT(t)
	s, err = New("b", mr.Addr(), "", 0)
	require.NoError(t, err)
	require.IsType(t, &Redis{}, s)
	require.NoError(t, s.Close())
}

func TestRedisMirrorsSessions(t *testing.T) {
	mr := miniredis.RunT(t)
	a, err := NewRedis("a", mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	b, err := NewRedis("b", mr.Addr(), "", 0)
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, a.Add(info("s1", "connecting", now)))
	require.NoError(t, b.Add(info("s2", "connecting", now)))
	require.NoError(t, a.SetState("s1", "bridged"))

	require.True(t, mr.Exists(sessionsKey))
	require.Contains(t, mr.HGet(sessionsKey, "s1"), `"state":"bridged"`)
	require.Contains(t, mr.HGet(sessionsKey, "s2"), `"instance":"b"`)

	st := a.Stats()
	require.Equal(t, 1, st.Active)
	require.Equal(t, 1, st.Bridged)
	require.Equal(t, 2, st.Cluster)
	require.Equal(t, int64(2), st.Total)

	require.NoError(t, a.Remove("s1"))
	require.Empty(t, mr.HGet(sessionsKey, "s1"))

	require.NoError(t, b.Close())
	require.Empty(t, mr.HGet(sessionsKey, "s2"))
	require.False(t, mr.Exists(instancePrefix+"b"))
}

func TestRedisReapsDeadInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	a, err := NewRedis("a", mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	b, err := NewRedis("b", mr.Addr(), "", 0)
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, a.Add(info("s1", "bridged", now)))
	require.NoError(t, b.Add(info("s2", "bridged", now)))
	require.Equal(t, 0, a.reap())

	// b stops heartbeating; a keeps going.
	mr.FastForward(a.instanceTTL + time.Second)
	a.heartbeat()
	require.Equal(t, 1, a.reap())
	require.Empty(t, mr.HGet(sessionsKey, "s2"))
	require.NotEmpty(t, mr.HGet(sessionsKey, "s1"))
	require.Equal(t, 1, a.Stats().Cluster)
}

func TestNewRedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	_, err := NewRedis("a", addr, "", 0)
	require.Error(t, err)
}

func TestRedisStateAfterRemoveIsDropped(t *testing.T) {
	mr := miniredis.RunT(t)
	r, err := NewRedis("a", mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	require.NoError(t, r.Add(info("s1", "connecting", time.Now())))
	require.NoError(t, r.Remove("s1"))
	require.ErrorIs(t, r.SetState("s1", "bridged"), ErrUnknownSession)
	require.Empty(t, mr.HGet(sessionsKey, "s1"))
}

func TestRedisConcurrentStateAndRemoveLeaveNothing(t *testing.T) {
	mr := miniredis.RunT(t)
	r, err := NewRedis("a", mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("s%d", i)
		require.NoError(t, r.Add(info(id, "connecting", time.Now())))
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = r.SetState(id, "bridged")
		}()
		go func() {
			defer wg.Done()
			_ = r.Remove(id)
		}()
		wg.Wait()
		require.Empty(t, mr.HGet(sessionsKey, id), id)
	}
	require.Zero(t, r.Stats().Cluster)
	require.Empty(t, r.List())
}
