// file: pkg/queue/queue.go

// Package queue 为 reconcile 回调提供按键串行、跨键并发的 FIFO 队列。
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fx147/capability-runtime/pkg/capability"
	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/klog/v2"
)

type item struct {
	ctx   context.Context
	obj   *unstructured.Unstructured
	phase capability.WatchPhase
	fn    capability.WatchFunc
	done  chan error
}

// Queue 按入队顺序逐个执行回调。同一时刻最多只有一个 drain goroutine。
type Queue struct {
	name string
	uid  string

	mu       sync.Mutex
	items    []item
	draining bool
}

// New creates an idle queue.
func New(name string) *Queue {
	return &Queue{
		name: name,
		uid:  fmt.Sprintf("%d-%s", time.Now().UnixMilli(), uuid.NewString()[:4]),
	}
}

// Label returns the queue's name and unique id.
func (q *Queue) Label() (string, string) { return q.name, q.uid }

// Len returns the number of items waiting, excluding the one running.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Enqueue appends an item and returns a channel that receives the
// callback's result exactly once.
func (q *Queue) Enqueue(ctx context.Context, obj *unstructured.Unstructured, phase capability.WatchPhase, fn capability.WatchFunc) <-chan error {
	done := make(chan error, 1)

	q.mu.Lock()
	q.items = append(q.items, item{ctx: ctx, obj: obj, phase: phase, fn: fn, done: done})
	start := !q.draining
	q.draining = true
	length := len(q.items)
	q.mu.Unlock()

	klog.V(4).InfoS("Enqueueing", "queue", q.name, "uid", q.uid,
		"name", obj.GetName(), "namespace", obj.GetNamespace(), "resourceVersion", obj.GetResourceVersion(), "length", length)

	if start {
		go q.drain()
	}
	return done
}

// drain 持续取出队头直到队列为空。回调失败只影响该条目的结果。
func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		next := q.items[0]
		q.items[0] = item{}
		q.items = q.items[1:]
		q.mu.Unlock()

		err := q.reconcile(next)
		if err != nil {
			klog.V(4).InfoS("Error reconciling", "queue", q.name, "name", next.obj.GetName(), "err", err)
		}
		next.done <- err
		klog.V(4).InfoS("Queue stats - shift", "queue", q.name, "uid", q.uid, "length", q.Len())
	}
}

func (q *Queue) reconcile(it item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reconcile panicked: %v", r)
		}
	}()
	klog.V(4).InfoS("Reconciling", "queue", q.name, "name", it.obj.GetName(), "namespace", it.obj.GetNamespace())
	return it.fn(it.ctx, it.obj, it.phase)
}
