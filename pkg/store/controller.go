// file: pkg/store/controller.go

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	capv1 "github.com/fx147/capability-runtime/pkg/apis/capability/v1"
	debouncer "github.com/skydive-project/go-debouncer"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
)

const (
	DefaultReceiveDebounce = time.Second
	DefaultSendInterval    = 3 * time.Second
)

// Options 配置一个存储控制器。
type Options struct {
	Namespace string
	Name      string

	// ReceiveDebounce collapses bursts of remote updates into one delivery.
	ReceiveDebounce time.Duration
	// SendInterval is the period of each capability's flush loop.
	SendInterval time.Duration

	// OnReady runs once, after the first delivery reached every store.
	OnReady func()
}

// Controller 把每个 capability 的 Storage 与一条共享的持久化记录连接起来：
// 写入先进入各自的 Cache，由定时 flush 批量发送；远端变化经防抖后
// 按 capability 名前缀分发回各个 Storage。
type Controller struct {
	client RecordClient
	opts   Options

	names  []string
	stores map[string]*Storage
	caches map[string]*Cache

	flushMu map[string]*sync.Mutex

	mu        sync.Mutex
	latest    *capv1.CapabilityStore
	readyOnce sync.Once
}

// NewController registers a sender on every store. stores is keyed by
// capability name.
func NewController(client RecordClient, stores map[string]*Storage, opts Options) *Controller {
	if opts.ReceiveDebounce <= 0 {
		opts.ReceiveDebounce = DefaultReceiveDebounce
	}
	if opts.SendInterval <= 0 {
		opts.SendInterval = DefaultSendInterval
	}

	c := &Controller{
		client:  client,
		opts:    opts,
		stores:  make(map[string]*Storage, len(stores)),
		caches:  make(map[string]*Cache, len(stores)),
		flushMu: make(map[string]*sync.Mutex, len(stores)),
	}
	for name, s := range stores {
		name := name
		cache := NewCache()
		c.names = append(c.names, name)
		c.stores[name] = s
		c.caches[name] = cache
		c.flushMu[name] = &sync.Mutex{}
		s.RegisterSender(func(op Op, key, value string) error {
			return cache.Fill(name, op, key, value, "")
		})
	}
	sort.Strings(c.names)
	return c
}

// Cache returns the pending operation cache of a capability.
func (c *Controller) Cache(name string) *Cache { return c.caches[name] }

// Run 依次确保记录存在、迁移旧键、启动 flush 循环并开始 watch。
// 它阻塞到 ctx 结束或 watch 放弃。
func (c *Controller) Run(ctx context.Context) error {
	klog.InfoS("Starting capability store controller", "namespace", c.opts.Namespace, "name", c.opts.Name, "capabilities", len(c.names))

	record, err := c.ensureRecord(ctx)
	if err != nil {
		return err
	}

	if err := c.migrate(ctx, record); err != nil {
		return fmt.Errorf("failed to migrate store %s/%s: %w", c.opts.Namespace, c.opts.Name, err)
	}

	for _, name := range c.names {
		name := name
		go wait.UntilWithContext(ctx, func(ctx context.Context) {
			_ = c.flush(ctx, name)
		}, c.opts.SendInterval)
	}

	d := debouncer.New(c.opts.ReceiveDebounce, c.deliverLatest)
	d.Start()
	defer d.Stop()

	err = c.client.Watch(ctx, c.opts.Namespace, c.opts.Name, func(record *capv1.CapabilityStore) {
		c.mu.Lock()
		c.latest = record
		c.mu.Unlock()
		d.Call()
	})

	klog.InfoS("Shutting down capability store controller", "namespace", c.opts.Namespace, "name", c.opts.Name)
	return err
}

// FlushAll flushes every capability's cache once.
func (c *Controller) FlushAll(ctx context.Context) error {
	var firstErr error
	for _, name := range c.names {
		if err := c.flush(ctx, name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// flush 同一 capability 同时只有一次 flush 在进行。
func (c *Controller) flush(ctx context.Context, name string) error {
	mu := c.flushMu[name]
	mu.Lock()
	defer mu.Unlock()
	return c.caches[name].Flush(ctx, c.sendPatch)
}

func (c *Controller) sendPatch(ctx context.Context, ops []Operation) error {
	body, err := json.Marshal(ops)
	if err != nil {
		return err
	}
	_, err = c.client.Patch(ctx, c.opts.Namespace, c.opts.Name, body)
	return err
}

// ensureRecord 读取记录，不存在时创建一个带占位键的新记录。
func (c *Controller) ensureRecord(ctx context.Context) (*capv1.CapabilityStore, error) {
	var record *capv1.CapabilityStore
	op := func() error {
		got, err := c.client.Get(ctx, c.opts.Namespace, c.opts.Name)
		if err == nil {
			record = got
			return nil
		}
		if !apierrors.IsNotFound(err) {
			klog.ErrorS(err, "Failed to read store record", "namespace", c.opts.Namespace, "name", c.opts.Name)
			return err
		}

		klog.InfoS("Store record not found, creating", "namespace", c.opts.Namespace, "name", c.opts.Name)
		created, err := c.client.Create(ctx, capv1.NewCapabilityStore(c.opts.Namespace, c.opts.Name))
		if apierrors.IsAlreadyExists(err) {
			return err
		}
		if err != nil {
			klog.ErrorS(err, "Failed to create store record", "namespace", c.opts.Namespace, "name", c.opts.Name)
			return err
		}
		record = created
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.NewExponentialBackOff(), ctx)); err != nil {
		return nil, fmt.Errorf("failed to ensure store record %s/%s: %w", c.opts.Namespace, c.opts.Name, err)
	}
	return record, nil
}

// migrate 先打上迁移标记，再把未带版本的旧键改写为 v2 键。
func (c *Controller) migrate(ctx context.Context, record *capv1.CapabilityStore) error {
	var marker []Operation
	stamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if record.Labels == nil {
		marker = append(marker, Operation{Op: OpAdd, Path: "/metadata/labels", Value: map[string]string{capv1.CacheIDLabel: stamp}})
	} else {
		marker = append(marker, Operation{Op: OpAdd, Path: "/metadata/labels/" + EscapeKey(capv1.CacheIDLabel), Value: stamp})
	}
	if err := c.sendPatch(ctx, marker); err != nil {
		return err
	}

	migrated := 0
	for _, name := range c.names {
		prefix := name + "-"
		for key, value := range record.Data {
			if key == capv1.PlaceholderKey || c.owner(key) != name {
				continue
			}
			if strings.HasPrefix(key, prefix+Version+"-") {
				continue
			}
			legacy := EscapeKey(strings.TrimPrefix(key, prefix))
			if err := c.caches[name].Fill(name, OpRemove, legacy, "", ""); err != nil {
				return err
			}
			if err := c.caches[name].Fill(name, OpAdd, legacy, value, Version); err != nil {
				return err
			}
			migrated++
		}
	}
	if migrated == 0 {
		return nil
	}

	klog.InfoS("Migrating legacy store keys", "count", migrated)
	for _, name := range c.names {
		if err := c.flush(ctx, name); err != nil && !IsConflict(err) {
			return err
		}
	}
	return nil
}

func (c *Controller) deliverLatest() {
	c.mu.Lock()
	record := c.latest
	c.mu.Unlock()
	if record == nil {
		return
	}
	c.dispatch(record)
}

// dispatch 把完整记录按 capability 拆分后交给各个 Storage。
func (c *Controller) dispatch(record *capv1.CapabilityStore) {
	klog.V(4).InfoS("Store update", "resourceVersion", record.ResourceVersion, "keys", len(record.Data))

	views := make(map[string]DataStore, len(c.names))
	for _, name := range c.names {
		views[name] = DataStore{}
	}
	for key, value := range record.Data {
		owner := c.owner(key)
		if owner == "" {
			continue
		}
		views[owner][strings.TrimPrefix(key, owner+"-")] = value
	}
	for _, name := range c.names {
		c.stores[name].Receive(views[name])
	}

	c.readyOnce.Do(func() {
		if c.opts.OnReady != nil {
			c.opts.OnReady()
		}
	})
}

// owner 返回 key 所属的 capability：前缀匹配的名字中最长的那个。
func (c *Controller) owner(key string) string {
	owner := ""
	for _, name := range c.names {
		if strings.HasPrefix(key, name+"-") && len(name) > len(owner) {
			owner = name
		}
	}
	return owner
}
