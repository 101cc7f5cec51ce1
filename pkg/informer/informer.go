// file: pkg/informer/informer.go

package informer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fx147/capability-runtime/pkg/capability"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/tools/cache"
	"k8s.io/klog/v2"
)

// DefaultFailureMax 是连续 watch 失败多少次后放弃。
const DefaultFailureMax = 5

// ErrGaveUp is returned by Run once the watch failed too many times in a row.
var ErrGaveUp = errors.New("watch failed repeatedly, giving up")

// Handler 接收一个对象及其 watch 阶段。
type Handler func(obj *unstructured.Unstructured, phase capability.WatchPhase)

// Options 调整一个 informer。
type Options struct {
	Namespace     string
	FieldSelector string
	LabelSelector string
	ResyncPeriod  time.Duration
	FailureMax    int
}

// Informer 监听一种资源的变更，并调用事件处理器。
type Informer interface {
	// AddEventHandler 注册一个事件处理器。必须在 Run 之前调用。
	AddEventHandler(handler Handler)
	// Run 启动 Informer 的主循环，直到 stopCh 关闭或 watch 放弃。
	Run(stopCh <-chan struct{}) error
}

// informer 是 Informer 接口的具体实现。
type informer struct {
	gvr        schema.GroupVersionResource
	shared     cache.SharedIndexInformer
	failureMax int

	// --- 我们的核心状态 ---
	versionCache sync.Map // "key -> resourceVersion"，用于忽略未变化的 resync

	failureLock sync.Mutex
	failures    int
	gaveUp      chan struct{}
	gaveUpOnce  sync.Once

	// --- 事件分发 ---
	handlers    []Handler
	handlerLock sync.RWMutex
}

// NewInformer 创建一个新的 Informer 实例。
func NewInformer(client dynamic.Interface, gvr schema.GroupVersionResource, opts Options) Informer {
	if opts.FailureMax <= 0 {
		opts.FailureMax = DefaultFailureMax
	}

	tweak := func(o *metav1.ListOptions) {
		if opts.FieldSelector != "" {
			o.FieldSelector = opts.FieldSelector
		}
		if opts.LabelSelector != "" {
			o.LabelSelector = opts.LabelSelector
		}
	}
	inf := &informer{
		gvr:        gvr,
		failureMax: opts.FailureMax,
		gaveUp:     make(chan struct{}),
	}

	resource := client.Resource(gvr).Namespace(opts.Namespace)
	lw := &cache.ListWatch{
		ListFunc: func(o metav1.ListOptions) (runtime.Object, error) {
			tweak(&o)
			list, err := resource.List(context.TODO(), o)
			if err == nil {
				// 空列表不产生任何事件，成功的 list 也要清零失败计数
				inf.resetFailures()
			}
			return list, err
		},
		WatchFunc: func(o metav1.ListOptions) (watch.Interface, error) {
			tweak(&o)
			return resource.Watch(context.TODO(), o)
		},
	}
	inf.shared = cache.NewSharedIndexInformer(lw, &unstructured.Unstructured{}, opts.ResyncPeriod, cache.Indexers{})

	_ = inf.shared.SetWatchErrorHandler(inf.watchError)
	_, _ = inf.shared.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc: func(obj interface{}) {
			inf.processEvent(capability.Added, obj)
		},
		UpdateFunc: func(_, obj interface{}) {
			inf.processEvent(capability.Modified, obj)
		},
		DeleteFunc: func(obj interface{}) {
			if tombstone, ok := obj.(cache.DeletedFinalStateUnknown); ok {
				obj = tombstone.Obj
			}
			inf.processEvent(capability.Deleted, obj)
		},
	})
	return inf
}

func (i *informer) AddEventHandler(handler Handler) {
	i.handlerLock.Lock()
	defer i.handlerLock.Unlock()
	i.handlers = append(i.handlers, handler)
}

// distribute 将一个事件分发给所有已注册的处理器。
func (i *informer) distribute(phase capability.WatchPhase, obj *unstructured.Unstructured) {
	i.handlerLock.RLock()
	defer i.handlerLock.RUnlock()

	for _, handler := range i.handlers {
		handler(obj, phase)
	}
}

func (i *informer) Run(stopCh <-chan struct{}) error {
	klog.InfoS("Starting informer", "resource", i.gvr.String())

	internalStop := make(chan struct{})
	go i.shared.Run(internalStop)
	defer close(internalStop)

	select {
	case <-stopCh:
		klog.InfoS("Shutting down informer", "resource", i.gvr.String())
		return nil
	case <-i.gaveUp:
		klog.ErrorS(ErrGaveUp, "Informer stopped", "resource", i.gvr.String(), "failures", i.failureMax)
		return ErrGaveUp
	}
}

// watchError 统计连续失败次数，超过上限后通知 Run 退出。
func (i *informer) watchError(_ *cache.Reflector, err error) {
	i.failureLock.Lock()
	i.failures++
	failures := i.failures
	i.failureLock.Unlock()

	klog.ErrorS(err, "Watch failed", "resource", i.gvr.String(), "attempt", failures, "max", i.failureMax)
	if failures >= i.failureMax {
		i.gaveUpOnce.Do(func() { close(i.gaveUp) })
	}
}

func (i *informer) resetFailures() {
	i.failureLock.Lock()
	i.failures = 0
	i.failureLock.Unlock()
}

// processEvent 处理单个事件
func (i *informer) processEvent(phase capability.WatchPhase, raw interface{}) {
	obj, ok := raw.(*unstructured.Unstructured)
	if !ok {
		klog.V(4).InfoS("Ignoring unexpected object", "resource", i.gvr.String(), "type", raw)
		return
	}

	// 任何成功送达的事件都说明 watch 已恢复
	i.resetFailures()

	key, err := cache.MetaNamespaceKeyFunc(obj)
	if err != nil {
		klog.ErrorS(err, "Failed to compute object key", "resource", i.gvr.String())
		return
	}

	if phase == capability.Deleted {
		i.versionCache.Delete(key)
		i.distribute(phase, obj)
		return
	}

	// 对于 Modified，如果版本没有变化（周期性 resync），则忽略
	newRV := obj.GetResourceVersion()
	if oldRV, exists := i.versionCache.Load(key); exists && phase == capability.Modified && newRV != "" && oldRV.(string) == newRV {
		return
	}

	i.versionCache.Store(key, newRV)
	i.distribute(phase, obj)
}
