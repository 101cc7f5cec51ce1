// file: pkg/registry/registry.go

// Package registry 是存储记录的本地 bbolt 后端，用于开发模式和测试。
// 它的错误语义与 API server 保持一致。
package registry

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	capv1 "github.com/fx147/capability-runtime/pkg/apis/capability/v1"
	"github.com/fx147/capability-runtime/pkg/store"
	bolt "go.etcd.io/bbolt"
	"k8s.io/klog/v2"
)

var (
	// _metadataBucketKey 是一个特殊的 bucket，用于存放 registry 的元数据。
	_metadataBucketKey = []byte("_metadata")
	// _globalResourceVersionKey 是存储全局版本号的 key。
	_globalResourceVersionKey = []byte("globalResourceVersion")
	// _recordBucketKey 存放所有 CapabilityStore 记录，key 为 "namespace/name"。
	_recordBucketKey = []byte("capabilitystores")
)

// 编译时检查
var _ store.RecordClient = &Registry{}

// Registry 持有 bbolt DB，持久化记录并广播变更事件。
type Registry struct {
	db *bolt.DB

	// --- 事件相关的字段 ---
	subs      map[int]chan Event // 存储所有订阅者的 channel
	nextSubID int
	subsLock  sync.RWMutex // 保护 subs 字段的锁
}

// Open 打开（或创建）path 处的数据库文件。
func Open(path string) (*Registry, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	r, err := NewRegistry(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

// NewRegistry 创建一个新的 Registry 实例。
// 它接收一个已经打开的 bbolt 数据库实例。
func NewRegistry(db *bolt.DB) (*Registry, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(_metadataBucketKey); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(_recordBucketKey)
		return err
	})
	if err != nil {
		return nil, err
	}

	return &Registry{
		db:   db,
		subs: make(map[int]chan Event),
	}, nil
}

// Close closes the database.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Subscribe 订阅 Registry 的变更事件。
// 它返回一个用于接收事件的 channel 和一个用于取消订阅的函数。
func (r *Registry) Subscribe() (<-chan Event, func()) {
	r.subsLock.Lock()
	defer r.subsLock.Unlock()

	id := r.nextSubID
	r.nextSubID++

	ch := make(chan Event, 100) // 使用带缓冲的 channel
	r.subs[id] = ch

	cancelFunc := func() {
		r.subsLock.Lock()
		defer r.subsLock.Unlock()
		if ch, ok := r.subs[id]; ok {
			close(ch)
			delete(r.subs, id)
		}
	}

	return ch, cancelFunc
}

// publish 向所有订阅者广播一个事件。
func (r *Registry) publish(event Event) {
	r.subsLock.RLock()
	defer r.subsLock.RUnlock()

	for _, ch := range r.subs {
		select {
		case ch <- event:
		default:
			// 订阅者只关心最新的完整记录，丢弃的事件会被后续事件覆盖。
			klog.Warningf("Registry event channel is full. Discarding event for key %s.", event.Key)
		}
	}
}

// Watch 先投递当前记录，再投递 key 对应的每一次变更，直到 ctx 结束。
func (r *Registry) Watch(ctx context.Context, namespace, name string, handler func(*capv1.CapabilityStore)) error {
	events, cancel := r.Subscribe()
	defer cancel()

	if current, err := r.Get(ctx, namespace, name); err == nil {
		handler(current)
	}

	key := recordKey(namespace, name)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return nil
			}
			if event.Key == key {
				handler(event.Object.DeepCopy())
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// getAndIncrementGlobalRV 是一个在事务内部调用的辅助函数。
// 它在同一个写事务里获取并递增全局 resourceVersion。
func getAndIncrementGlobalRV(metaBucket *bolt.Bucket) (uint64, error) {
	currentRVBytes := metaBucket.Get(_globalResourceVersionKey)
	var currentRV uint64 = 0
	if currentRVBytes != nil {
		currentRV = binary.BigEndian.Uint64(currentRVBytes)
	}

	newRV := currentRV + 1

	newRVBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(newRVBytes, newRV)

	if err := metaBucket.Put(_globalResourceVersionKey, newRVBytes); err != nil {
		return 0, err
	}

	return newRV, nil
}
