package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	op    Op
	key   string
	value string
}

func recordingStorage() (*Storage, *[]sent) {
	s := NewStorage()
	var calls []sent
	s.RegisterSender(func(op Op, key, value string) error {
		calls = append(calls, sent{op, key, value})
		return nil
	})
	return s, &calls
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "v2-key1", V2StoreKey("key1"))
	assert.Equal(t, "v2-https:~1~1google.com", V2StoreKey("https://google.com"))
	assert.Equal(t, "v2-a~0b", V2StoreKey("a~b"))
	assert.Equal(t, "v2-sso-client-http://bin", V2UnescapedStoreKey("sso-client-http://bin"))
	assert.Equal(t, "key1", StripV2Prefix("v2-key1"))
	assert.Equal(t, "a~1/", UnescapeKey(EscapeKey("a~1/")))
}

func TestStorageGet(t *testing.T) {
	s, _ := recordingStorage()

	_, ok := s.Get("key1")
	assert.False(t, ok)

	s.Receive(DataStore{
		V2UnescapedStoreKey("key1"):               "value1",
		V2UnescapedStoreKey("https://google.com"): "3f7dd007",
		V2UnescapedStoreKey("empty"):              "",
	})

	v, ok := s.Get("key1")
	assert.True(t, ok)
	assert.Equal(t, "value1", v)

	v, ok = s.Get("https://google.com")
	assert.True(t, ok)
	assert.Equal(t, "3f7dd007", v)

	_, ok = s.Get("empty")
	assert.False(t, ok, "empty values read as absent")
	assert.Equal(t, 3, s.Len())
}

func TestStorageWritesGoThroughSender(t *testing.T) {
	s, calls := recordingStorage()

	require.NoError(t, s.Set("sso-client-http://bin", "value1"))
	require.NoError(t, s.Remove("key1"))

	assert.Equal(t, []sent{
		{OpAdd, "v2-sso-client-http:~1~1bin", "value1"},
		{OpRemove, "v2-key1", ""},
	}, *calls)

	// 本地视图只在 Receive 后更新
	_, ok := s.Get("sso-client-http://bin")
	assert.False(t, ok)
}

func TestStorageClear(t *testing.T) {
	s, calls := recordingStorage()
	s.Receive(DataStore{"v2-key1": "value1", "v2-http://bin": "value3"})

	require.NoError(t, s.Clear())
	assert.ElementsMatch(t, []sent{
		{OpRemove, "v2-key1", ""},
		{OpRemove, "v2-http:~1~1bin", ""},
	}, *calls)
}

func TestStorageWithoutSender(t *testing.T) {
	assert.Error(t, NewStorage().Set("k", "v"))
}

func TestStorageSenderError(t *testing.T) {
	s := NewStorage()
	boom := errors.New("boom")
	s.RegisterSender(func(Op, string, string) error { return boom })
	assert.ErrorIs(t, s.Set("k", "v"), boom)
	require.ErrorIs(t, s.SetAndWait(context.Background(), "k", "v"), boom)
}

func TestStorageSubscribeAndReady(t *testing.T) {
	s, _ := recordingStorage()

	var order []string
	var got []DataStore
	s.OnReady(func(d DataStore) { order = append(order, "ready") })
	unsubscribe := s.Subscribe(func(d DataStore) {
		order = append(order, "sub")
		got = append(got, d)
	})

	assert.False(t, s.IsReady())
	s.Receive(DataStore{"key1": "value1"})
	assert.True(t, s.IsReady())
	assert.Equal(t, []string{"ready", "sub"}, order)
	assert.Equal(t, DataStore{"key1": "value1"}, got[0])

	unsubscribe()
	s.Receive(DataStore{"key2": "value2"})
	assert.Len(t, got, 1, "no calls after unsubscribe")
	assert.Equal(t, []string{"ready", "sub"}, order, "ready handlers run once")

	late := false
	s.OnReady(func(DataStore) { late = true })
	assert.True(t, late, "handlers registered after ready run immediately")
}

func TestStorageNotifiesSubscribersInOrder(t *testing.T) {
	s, _ := recordingStorage()

	var order []int
	unsubscribes := make([]func(), 0, 20)
	for i := 0; i < 20; i++ {
		unsubscribes = append(unsubscribes, s.Subscribe(func(DataStore) { order = append(order, i) }))
	}
	s.Receive(DataStore{})
	want := make([]int, 0, 20)
	for i := 0; i < 20; i++ {
		want = append(want, i)
	}
	assert.Equal(t, want, order)

	// 取消中间的订阅后，其余订阅者仍保持注册顺序
	unsubscribes[3]()
	unsubscribes[10]()
	order = nil
	s.Receive(DataStore{})
	want = append(append(append([]int{}, want[:3]...), want[4:10]...), want[11:]...)
	assert.Equal(t, want, order)
}

func TestStorageReceiveNil(t *testing.T) {
	s, _ := recordingStorage()
	var got DataStore
	s.Subscribe(func(d DataStore) { got = d })
	s.Receive(nil)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestStorageSetAndWait(t *testing.T) {
	s := NewStorage()
	s.RegisterSender(func(op Op, key, value string) error {
		// 模拟远端在稍后确认写入
		go func() {
			time.Sleep(10 * time.Millisecond)
			if op == OpAdd {
				s.Receive(DataStore{UnescapeKey(key): value})
			} else {
				s.Receive(DataStore{})
			}
		}()
		return nil
	})

	require.NoError(t, s.SetAndWait(context.Background(), "a/b", "v"))
	v, ok := s.Get("a/b")
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	require.NoError(t, s.RemoveAndWait(context.Background(), "a/b"))
	_, ok = s.Get("a/b")
	assert.False(t, ok)
}

func TestStorageSetAndWaitTimeout(t *testing.T) {
	s, calls := recordingStorage()
	s.SetWaitTimeout(20 * time.Millisecond)

	err := s.SetAndWait(context.Background(), "k", "v")
	assert.ErrorIs(t, err, ErrWaitTimeout)
	assert.Len(t, *calls, 1, "the write is still issued")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.SetWaitTimeout(time.Minute)
	assert.ErrorIs(t, s.RemoveAndWait(ctx, "k"), context.Canceled)
}
