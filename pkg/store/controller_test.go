package store_test

import (
	"context"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	capv1 "github.com/fx147/capability-runtime/pkg/apis/capability/v1"
	"github.com/fx147/capability-runtime/pkg/registry"
	"github.com/fx147/capability-runtime/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testNamespace = "capability-system"
	testName      = "capability-store"
)

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r, err := registry.Open(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func startController(t *testing.T, client store.RecordClient, stores map[string]*store.Storage) (*store.Controller, *atomic.Int32) {
	t.Helper()
	ready := &atomic.Int32{}
	c := store.NewController(client, stores, store.Options{
		Namespace:       testNamespace,
		Name:            testName,
		ReceiveDebounce: 10 * time.Millisecond,
		SendInterval:    10 * time.Millisecond,
		OnReady:         func() { ready.Add(1) },
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("controller did not stop")
		}
	})
	return c, ready
}

func TestControllerCreatesRecordAndBecomesReady(t *testing.T) {
	reg := newRegistry(t)
	hello := store.NewStorage()
	_, ready := startController(t, reg, map[string]*store.Storage{"hello": hello})

	require.Eventually(t, func() bool { return ready.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.True(t, hello.IsReady())

	record, err := reg.Get(context.Background(), testNamespace, testName)
	require.NoError(t, err)
	assert.Contains(t, record.Data, capv1.PlaceholderKey)
	assert.NotEmpty(t, record.Labels[capv1.CacheIDLabel], "migration marker is set")
}

// burstClient 在 watch 开始时连续推送 n 个版本的记录。
type burstClient struct {
	*registry.Registry
	n int
}

func (b *burstClient) Watch(ctx context.Context, namespace, name string, handler func(*capv1.CapabilityStore)) error {
	current, err := b.Get(ctx, namespace, name)
	if err != nil {
		return err
	}
	for i := 0; i < b.n; i++ {
		record := current.DeepCopy()
		record.Data["hello-v2-burst"] = strconv.Itoa(i)
		handler(record)
	}
	<-ctx.Done()
	return nil
}

func TestControllerDebouncesBurstOfUpdates(t *testing.T) {
	hello := store.NewStorage()
	var deliveries atomic.Int32
	var last atomic.Value
	hello.Subscribe(func(data store.DataStore) {
		deliveries.Add(1)
		last.Store(data["v2-burst"])
	})

	_, ready := startController(t, &burstClient{Registry: newRegistry(t), n: 50}, map[string]*store.Storage{"hello": hello})
	require.Eventually(t, func() bool { return ready.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	// 50 次连续更新合并成一到两次投递，最后一次总是最新的记录
	n := deliveries.Load()
	assert.GreaterOrEqual(t, n, int32(1))
	assert.LessOrEqual(t, n, int32(2), "burst is coalesced")
	assert.Equal(t, "49", last.Load())
	v, ok := hello.Get("burst")
	assert.True(t, ok)
	assert.Equal(t, "49", v)
}

func TestControllerRoundTrip(t *testing.T) {
	reg := newRegistry(t)
	hello := store.NewStorage()
	helloWorld := store.NewStorage()
	_, ready := startController(t, reg, map[string]*store.Storage{"hello": hello, "hello-world": helloWorld})
	require.Eventually(t, func() bool { return ready.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, hello.SetAndWait(ctx, "https://example.com", "one"))
	require.NoError(t, helloWorld.SetAndWait(ctx, "k", "two"))

	v, ok := hello.Get("https://example.com")
	assert.True(t, ok)
	assert.Equal(t, "one", v)

	// 较长的名字拥有自己的键，不会泄漏到较短名字的视图中
	_, ok = hello.Get("world-v2-k")
	assert.False(t, ok)
	assert.Equal(t, store.DataStore{"v2-https://example.com": "one"}, hello.Snapshot())

	record, err := reg.Get(ctx, testNamespace, testName)
	require.NoError(t, err)
	assert.Equal(t, "one", record.Data["hello-v2-https://example.com"])
	assert.Equal(t, "two", record.Data["hello-world-v2-k"])

	require.NoError(t, hello.RemoveAndWait(ctx, "https://example.com"))
	_, ok = hello.Get("https://example.com")
	assert.False(t, ok)
	assert.EqualValues(t, 1, ready.Load(), "OnReady runs once")
}

func TestControllerMigratesLegacyKeys(t *testing.T) {
	reg := newRegistry(t)
	legacy := capv1.NewCapabilityStore(testNamespace, testName)
	legacy.Data["hello-old"] = "legacy-value"
	legacy.Data["hello-v2-current"] = "current"
	legacy.Data["other-thing"] = "untouched"
	_, err := reg.Create(context.Background(), legacy)
	require.NoError(t, err)

	hello := store.NewStorage()
	_, ready := startController(t, reg, map[string]*store.Storage{"hello": hello})
	require.Eventually(t, func() bool { return ready.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		v, ok := hello.Get("old")
		return ok && v == "legacy-value"
	}, 5*time.Second, 10*time.Millisecond)

	record, err := reg.Get(context.Background(), testNamespace, testName)
	require.NoError(t, err)
	assert.NotContains(t, record.Data, "hello-old")
	assert.Equal(t, "legacy-value", record.Data["hello-v2-old"])
	assert.Equal(t, "current", record.Data["hello-v2-current"])
	assert.Equal(t, "untouched", record.Data["other-thing"])
	assert.Contains(t, record.Data, capv1.PlaceholderKey)
}
