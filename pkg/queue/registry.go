// file: pkg/queue/registry.go

package queue

import (
	"context"
	"sync"

	"github.com/fx147/capability-runtime/pkg/capability"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// Strategy 决定对象被分配到哪个队列。
type Strategy string

const (
	StrategyKind              Strategy = "kind"
	StrategyKindNamespace     Strategy = "kindNamespace"
	StrategyKindNamespaceName Strategy = "kindNamespaceName"
	StrategyGlobal            Strategy = "global"
)

// ParseStrategy accepts the long names and the short aliases kindNs and
// kindNsName. Anything else falls back to StrategyKind.
func ParseStrategy(s string) Strategy {
	switch s {
	case "kindNs", string(StrategyKindNamespace):
		return StrategyKindNamespace
	case "kindNsName", string(StrategyKindNamespaceName):
		return StrategyKindNamespaceName
	case string(StrategyGlobal):
		return StrategyGlobal
	default:
		return StrategyKind
	}
}

// Key derives the queue key of obj.
func Key(strategy Strategy, obj *unstructured.Unstructured) string {
	ns := obj.GetNamespace()
	if ns == "" {
		ns = "cluster-scoped"
	}
	kind := obj.GetKind()
	if kind == "" {
		kind = "UnknownKind"
	}
	name := obj.GetName()
	if name == "" {
		name = "Unnamed"
	}

	switch strategy {
	case StrategyKindNamespace:
		return kind + "/" + ns
	case StrategyKindNamespaceName:
		return kind + "/" + ns + "/" + name
	case StrategyGlobal:
		return "global"
	default:
		return kind
	}
}

// Registry 惰性地为每个键创建一个 Queue。
type Registry struct {
	strategy Strategy

	mu     sync.Mutex
	queues map[string]*Queue
}

func NewRegistry(strategy Strategy) *Registry {
	return &Registry{strategy: strategy, queues: make(map[string]*Queue)}
}

// For returns the queue obj belongs to, creating it on first use.
func (r *Registry) For(obj *unstructured.Unstructured) *Queue {
	key := Key(r.strategy, obj)

	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[key]
	if !ok {
		q = New(key)
		r.queues[key] = q
	}
	return q
}

// Enqueue routes obj to its queue.
func (r *Registry) Enqueue(ctx context.Context, obj *unstructured.Unstructured, phase capability.WatchPhase, fn capability.WatchFunc) <-chan error {
	return r.For(obj).Enqueue(ctx, obj, phase, fn)
}

// Len returns the number of queues created so far.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queues)
}
