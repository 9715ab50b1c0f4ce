package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSession is a minimal DeviceSession used across the test suite.
type fakeSession struct {
	id       string
	addr     string
	alive    atomic.Bool
	op       DeviceOperator
	hasOp    bool
	parentID string
	wrap     bool

	mu     sync.Mutex
	closed bool
}

func newFakeSession(id string, op DeviceOperator) *fakeSession {
	s := &fakeSession{id: id, addr: "10.0.0.1:1", op: op, hasOp: op != nil}
	s.alive.Store(true)
	return s
}

func (s *fakeSession) DeviceID() string { return s.id }

func (s *fakeSession) IsAliveAsync(context.Context) (bool, error) {
	return s.alive.Load(), nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSession) ClientAddress() (string, bool) { return s.addr, s.addr != "" }

func (s *fakeSession) Operator() (DeviceOperator, bool) { return s.op, s.hasOp }

func (s *fakeSession) IsChanged(other DeviceSession) bool {
	o, ok := other.(*fakeSession)
	return !ok || o.addr != s.addr
}

func (s *fakeSession) IsWrapFrom(kind string) bool { return s.wrap && kind == ChildSessionKind }

func (s *fakeSession) Unwrap(kind string) (string, bool) {
	if !s.wrap || kind != ChildSessionKind {
		return "", false
	}
	return s.parentID, true
}

// fakeOperator records every write-through call it receives.
type fakeOperator struct {
	mu       sync.Mutex
	online   int
	offline  int
	onlineFn func() error
}

func (o *fakeOperator) Online(context.Context, string, string, string) error {
	o.mu.Lock()
	o.online++
	o.mu.Unlock()
	if o.onlineFn != nil {
		return o.onlineFn()
	}
	return nil
}

func (o *fakeOperator) Offline(context.Context) error {
	o.mu.Lock()
	o.offline++
	o.mu.Unlock()
	return nil
}

func (o *fakeOperator) counts() (online, offline int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.online, o.offline
}

// fakeCluster is a single-node ClusterContract stub.
type fakeCluster struct {
	serverID         string
	remoteAlive      bool
	remoteAliveErr   error
	initConnExists   bool
	removeRemoteErr  error
	removeRemoteN    int
	remoteTotal      int64
	remoteTotalErr   error
	checkRemoteAlive bool
	checkRemoteErr   error
}

func (c *fakeCluster) RemoteSessionIsAlive(context.Context, string) (bool, error) {
	return c.remoteAlive, c.remoteAliveErr
}
func (c *fakeCluster) CheckRemoteSessionIsAlive(context.Context, string) (bool, error) {
	return c.checkRemoteAlive, c.checkRemoteErr
}
func (c *fakeCluster) RemoveRemoteSession(context.Context, string) (int, error) {
	return c.removeRemoteN, c.removeRemoteErr
}
func (c *fakeCluster) RemoteTotalSessions(context.Context) (int64, error) {
	return c.remoteTotal, c.remoteTotalErr
}
func (c *fakeCluster) RemoteSessions(context.Context, string) (<-chan RemoteSessionInfo, error) {
	ch := make(chan RemoteSessionInfo)
	close(ch)
	return ch, nil
}
func (c *fakeCluster) InitSessionConnection(context.Context, DeviceSession) (bool, error) {
	return c.initConnExists, nil
}
func (c *fakeCluster) CurrentServerID() string { return c.serverID }

func newTestManager(t *testing.T, cluster *fakeCluster) *Manager {
	t.Helper()
	if cluster == nil {
		cluster = &fakeCluster{serverID: "node-a"}
	}
	m := NewManager(Config{
		SessionLoadTimeout:   200 * time.Millisecond,
		SessionCheckInterval: time.Hour, // sweeper driven manually in tests
	}, cluster)
	return m
}

func TestComputeInstallsAndFiresRegister(t *testing.T) {
	cluster := &fakeCluster{serverID: "node-a", remoteAlive: true}
	m := newTestManager(t, cluster)
	op := &fakeOperator{}

	var events []Event
	var mu sync.Mutex
	m.ListenEvent(func(_ context.Context, e Event) error {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
		return nil
	})

	s := newFakeSession("dev-1", op)
	got, err := m.Compute(context.Background(), "dev-1", func(context.Context) (DeviceSession, error) {
		return s, nil
	}, nil)
	require.NoError(t, err)
	assert.Same(t, s, got)

	online, _ := op.counts()
	assert.Equal(t, 1, online)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	assert.Equal(t, EventRegister, events[0].Type)
	assert.True(t, events[0].RemoteExists)
}

func TestComputeSecondCallerLatchesOnSameLoad(t *testing.T) {
	m := newTestManager(t, nil)
	var calls int32

	creator := func(context.Context) (DeviceSession, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return newFakeSession("dev-1", nil), nil
	}

	var wg sync.WaitGroup
	results := make([]DeviceSession, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := m.Compute(context.Background(), "dev-1", creator, nil)
			require.NoError(t, err)
			results[i] = s
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "producer must run exactly once across concurrent subscribers")
	for _, r := range results {
		assert.Same(t, results[0], r)
	}
}

func TestComputeReplacementClosesOldAndDoesNotRefireRegister(t *testing.T) {
	cluster := &fakeCluster{serverID: "node-a"}
	m := newTestManager(t, cluster)
	op := &fakeOperator{}

	s1 := newFakeSession("dev-1", op)
	_, err := m.Compute(context.Background(), "dev-1", func(context.Context) (DeviceSession, error) {
		return s1, nil
	}, nil)
	require.NoError(t, err)

	var registerCount int
	m.ListenEvent(func(_ context.Context, e Event) error {
		if e.Type == EventRegister {
			registerCount++
		}
		return nil
	})

	s2 := newFakeSession("dev-1", op)
	s2.addr = "10.0.0.2:2"
	got, err := m.Compute(context.Background(), "dev-1", nil, func(_ context.Context, cur DeviceSession) (DeviceSession, error) {
		return s2, nil
	})
	require.NoError(t, err)
	assert.Same(t, s2, got)
	assert.True(t, s1.isClosed())
	assert.Equal(t, 0, registerCount)

	online, _ := op.counts()
	assert.Equal(t, 2, online) // once for s1's register, once for s2's replace
}

func TestLoadTimeoutEvictsRefAndSurfacesError(t *testing.T) {
	m := NewManager(Config{
		SessionLoadTimeout:   20 * time.Millisecond,
		SessionCheckInterval: time.Hour,
	}, &fakeCluster{serverID: "node-a"})

	_, err := m.Compute(context.Background(), "dev-1", func(ctx context.Context) (DeviceSession, error) {
		<-ctx.Done() // never emits before the load timeout
		return nil, ctx.Err()
	}, nil)

	require.Error(t, err)
	assert.True(t, IsLoadTimeout(err) || errors.Is(err, context.DeadlineExceeded))

	s, err := m.GetSession(context.Background(), "dev-1", false)
	require.NoError(t, err)
	assert.Nil(t, s, "a timed-out load must not leave a Ref behind")
}

func TestLoadFailureEvictsRefAndSurfacesError(t *testing.T) {
	m := newTestManager(t, nil)
	loadErr := errors.New("boom")

	_, err := m.Compute(context.Background(), "dev-1", func(context.Context) (DeviceSession, error) {
		return nil, loadErr
	}, nil)
	require.Error(t, err)
	assert.True(t, IsLoadFailed(err))
	assert.ErrorIs(t, err, loadErr)

	s, err := m.GetSession(context.Background(), "dev-1", false)
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestSweeperEvictsDeadSessionAndFiresUnregister(t *testing.T) {
	cluster := &fakeCluster{serverID: "node-a", initConnExists: false}
	m := newTestManager(t, cluster)
	op := &fakeOperator{}

	s := newFakeSession("dev-1", op)
	_, err := m.Compute(context.Background(), "dev-1", func(context.Context) (DeviceSession, error) {
		return s, nil
	}, nil)
	require.NoError(t, err)

	var got *Event
	m.ListenEvent(func(_ context.Context, e Event) error {
		got = &e
		return nil
	})

	s.alive.Store(false)
	m.sweeper.sweepOnce(context.Background())

	require.NotNil(t, got)
	assert.Equal(t, EventUnregister, got.Type)
	assert.False(t, got.RemoteExists)
	_, offline := op.counts()
	assert.Equal(t, 1, offline)

	alive, err := m.IsAlive(context.Background(), "dev-1", true)
	require.NoError(t, err)
	assert.False(t, alive)
}

func TestRemoveSurfacesClusterFailureAsRemoteUnavailable(t *testing.T) {
	cluster := &fakeCluster{serverID: "node-a", removeRemoteErr: errors.New("down")}
	m := newTestManager(t, cluster)

	s := newFakeSession("dev-1", nil)
	_, err := m.Compute(context.Background(), "dev-1", func(context.Context) (DeviceSession, error) {
		return s, nil
	}, nil)
	require.NoError(t, err)

	_, err = m.Remove(context.Background(), "dev-1", false)
	require.Error(t, err)
	assert.True(t, IsRemoteUnavailable(err))
	assert.True(t, s.isClosed(), "local eviction still happens even if the remote call fails")
}

func TestParentEvictionChecksChildrenLiveness(t *testing.T) {
	m := newTestManager(t, nil)

	parent := newFakeSession("parent-1", nil)
	_, err := m.Compute(context.Background(), "parent-1", func(context.Context) (DeviceSession, error) {
		return parent, nil
	}, nil)
	require.NoError(t, err)

	child := newFakeSession("child-1", nil)
	child.wrap = true
	child.parentID = "parent-1"
	_, err = m.Compute(context.Background(), "child-1", func(context.Context) (DeviceSession, error) {
		return child, nil
	}, nil)
	require.NoError(t, err)

	child.alive.Store(false)

	_, err = m.Remove(context.Background(), "parent-1", true)
	require.NoError(t, err)

	s, err := m.GetSession(context.Background(), "child-1", false)
	require.NoError(t, err)
	assert.Nil(t, s, "a dead child must be evicted when its parent is")
}

func TestTotalSessionsCombinesLocalAndRemote(t *testing.T) {
	cluster := &fakeCluster{serverID: "node-a", remoteTotal: 7}
	m := newTestManager(t, cluster)

	for _, id := range []string{"a", "b"} {
		_, err := m.Compute(context.Background(), id, func(context.Context) (DeviceSession, error) {
			return newFakeSession(id, nil), nil
		}, nil)
		require.NoError(t, err)
	}

	total, err := m.TotalSessions(context.Background(), false)
	require.NoError(t, err)
	assert.EqualValues(t, 9, total)

	localOnly, err := m.TotalSessions(context.Background(), true)
	require.NoError(t, err)
	assert.EqualValues(t, 2, localOnly)
}

func TestSessionInfoListsLocalSessions(t *testing.T) {
	m := newTestManager(t, nil)

	s := newFakeSession("dev-1", nil)
	s.addr = "10.0.0.9:9"
	_, err := m.Compute(context.Background(), "dev-1", func(context.Context) (DeviceSession, error) {
		return s, nil
	}, nil)
	require.NoError(t, err)

	ch, err := m.SessionInfo(context.Background(), "")
	require.NoError(t, err)

	var got []RemoteSessionInfo
	for info := range ch {
		got = append(got, info)
	}

	want := []RemoteSessionInfo{{DeviceID: "dev-1", ServerID: m.CurrentServerID(), Address: "10.0.0.9:9"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("SessionInfo mismatch (-want +got):\n%s", diff)
	}
}
