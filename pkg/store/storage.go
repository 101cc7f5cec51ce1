// file: pkg/store/storage.go

package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"k8s.io/klog/v2"
)

// Op 是发送给记录的补丁操作。
type Op string

const (
	OpAdd    Op = "add"
	OpRemove Op = "remove"
)

// DataStore is a capability's view of the record, keys without the
// capability prefix.
type DataStore map[string]string

// Sender 把一次写入交给缓冲层。key 已经带有版本前缀并完成转义。
type Sender func(op Op, key, value string) error

// DefaultWaitTimeout bounds SetAndWait and RemoveAndWait.
const DefaultWaitTimeout = 15 * time.Second

// ErrWaitTimeout is returned when a wait variant gives up. The write
// itself is not rolled back.
var ErrWaitTimeout = errors.New("timed out waiting for store update")

// Storage 是单个 capability 的键值存储。写入经由 Sender 异步落盘，
// 读取只反映最近一次 Receive 的内容。
type Storage struct {
	mu            sync.RWMutex
	data          DataStore
	sender        Sender
	ready         bool
	readyHandlers []func(DataStore)
	subs          []subscriber
	nextSubID     int
	waitTimeout   time.Duration
}

// NewStorage returns an empty, not yet ready store.
func NewStorage() *Storage {
	return &Storage{
		data:        DataStore{},
		waitTimeout: DefaultWaitTimeout,
	}
}

// RegisterSender binds the write path.
func (s *Storage) RegisterSender(sender Sender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sender = sender
}

// SetWaitTimeout overrides DefaultWaitTimeout. Non-positive values are ignored.
func (s *Storage) SetWaitTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waitTimeout = d
}

func (s *Storage) IsReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

// Len returns the number of keys in the local view.
func (s *Storage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Get returns the value of key. Missing and empty values both report false.
func (s *Storage) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v := s.data[V2UnescapedStoreKey(key)]
	if v == "" {
		return "", false
	}
	return v, true
}

// Snapshot returns a copy of the local view.
func (s *Storage) Snapshot() DataStore {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyData(s.data)
}

func (s *Storage) Set(key, value string) error {
	return s.send(OpAdd, V2StoreKey(key), value)
}

func (s *Storage) Remove(key string) error {
	return s.send(OpRemove, V2StoreKey(key), "")
}

// Clear removes every key currently in the local view.
func (s *Storage) Clear() error {
	s.mu.RLock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	var errs []error
	for _, k := range keys {
		if err := s.send(OpRemove, EscapeKey(k), ""); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SetAndWait writes key and blocks until the value is observed in the
// local view, the timeout elapses or ctx is done.
func (s *Storage) SetAndWait(ctx context.Context, key, value string) error {
	want := V2UnescapedStoreKey(key)
	return s.writeAndWait(ctx, func() error { return s.Set(key, value) }, func(d DataStore) bool {
		v, ok := d[want]
		return ok && v == value
	})
}

// RemoveAndWait removes key and blocks until it disappears from the
// local view, the timeout elapses or ctx is done.
func (s *Storage) RemoveAndWait(ctx context.Context, key string) error {
	want := V2UnescapedStoreKey(key)
	return s.writeAndWait(ctx, func() error { return s.Remove(key) }, func(d DataStore) bool {
		_, ok := d[want]
		return !ok
	})
}

func (s *Storage) writeAndWait(ctx context.Context, write func() error, done func(DataStore) bool) error {
	observed := make(chan struct{})
	var once sync.Once
	unsubscribe := s.Subscribe(func(d DataStore) {
		if done(d) {
			once.Do(func() { close(observed) })
		}
	})
	defer unsubscribe()

	if err := write(); err != nil {
		return err
	}

	s.mu.RLock()
	timeout := s.waitTimeout
	s.mu.RUnlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-observed:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w after %s", ErrWaitTimeout, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// subscriber 按注册顺序保存，通知也按该顺序进行。
type subscriber struct {
	id int
	fn func(DataStore)
}

// Subscribe registers fn for every Receive. The returned func unsubscribes.
func (s *Storage) Subscribe(fn func(DataStore)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	s.subs = append(s.subs, subscriber{id: id, fn: fn})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.subs = slices.DeleteFunc(s.subs, func(sub subscriber) bool { return sub.id == id })
	}
}

// OnReady registers fn to run once, on the first Receive. Handlers
// registered after that run immediately.
func (s *Storage) OnReady(fn func(DataStore)) {
	s.mu.Lock()
	if !s.ready {
		s.readyHandlers = append(s.readyHandlers, fn)
		s.mu.Unlock()
		return
	}
	data := copyData(s.data)
	s.mu.Unlock()
	fn(data)
}

// Receive replaces the local view and notifies ready handlers (first
// call only) and then subscribers. A nil map is treated as empty.
func (s *Storage) Receive(data DataStore) {
	if data == nil {
		data = DataStore{}
	}
	klog.V(4).InfoS("Store received data", "keys", len(data))

	s.mu.Lock()
	s.data = copyData(data)
	var ready []func(DataStore)
	if !s.ready {
		s.ready = true
		ready = s.readyHandlers
		s.readyHandlers = nil
	}
	subs := make([]func(DataStore), 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub.fn)
	}
	s.mu.Unlock()

	for _, fn := range ready {
		fn(copyData(data))
	}
	for _, fn := range subs {
		fn(copyData(data))
	}
}

func (s *Storage) send(op Op, key, value string) error {
	s.mu.RLock()
	sender := s.sender
	s.mu.RUnlock()
	if sender == nil {
		return fmt.Errorf("store has no sender registered")
	}
	return sender(op, key, value)
}

func copyData(in DataStore) DataStore {
	out := make(DataStore, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
