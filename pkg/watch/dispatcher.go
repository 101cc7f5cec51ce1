// file: pkg/watch/dispatcher.go

// Package watch 把集群中的资源事件分发给能力的 watch、reconcile 与 finalize 绑定。
package watch

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/klog/v2"

	"github.com/fx147/capability-runtime/pkg/capability"
	"github.com/fx147/capability-runtime/pkg/filter"
	"github.com/fx147/capability-runtime/pkg/informer"
	"github.com/fx147/capability-runtime/pkg/queue"
	"github.com/fx147/capability-runtime/pkg/util"
)

// Options 配置分发器。
type Options struct {
	IgnoredNamespaces []string
	// Informer 用于每个绑定的 informer，Namespace 与选择器由分发器忽略。
	Informer informer.Options
	// OnGiveUp 在某个 watch 放弃时调用，默认终止进程。
	OnGiveUp func(schema.GroupVersionResource, error)
}

// InformerFactory creates the informer backing one binding.
type InformerFactory func(client dynamic.Interface, gvr schema.GroupVersionResource, opts informer.Options) informer.Informer

// Dispatcher 为每个 watch 绑定启动一个 informer。
type Dispatcher struct {
	client       dynamic.Interface
	capabilities []*capability.Capability
	queues       *queue.Registry
	opts         Options
	newInformer  InformerFactory
}

// NewDispatcher creates a dispatcher; queued bindings share queues.
func NewDispatcher(client dynamic.Interface, capabilities []*capability.Capability, queues *queue.Registry, opts Options) *Dispatcher {
	if opts.OnGiveUp == nil {
		opts.OnGiveUp = func(gvr schema.GroupVersionResource, err error) {
			klog.Fatalf("Watch for %s gave up: %v", gvr.String(), err)
		}
	}
	return &Dispatcher{
		client:       client,
		capabilities: capabilities,
		queues:       queues,
		opts:         opts,
		newInformer:  informer.NewInformer,
	}
}

// Run blocks until ctx is done or a watch gives up.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	count := 0
	for _, c := range d.capabilities {
		for _, b := range c.WatchBindings() {
			gvr := util.ResourceFor(b.Kind())
			opts := d.opts.Informer
			opts.Namespace, opts.FieldSelector, opts.LabelSelector = "", "", ""

			inf := d.newInformer(d.client, gvr, opts)
			inf.AddEventHandler(func(obj *unstructured.Unstructured, phase capability.WatchPhase) {
				d.handle(gctx, c, b, obj, phase)
			})
			count++

			g.Go(func() error {
				err := inf.Run(gctx.Done())
				if errors.Is(err, informer.ErrGaveUp) {
					d.opts.OnGiveUp(gvr, err)
				}
				if err != nil {
					return fmt.Errorf("watch %s: %w", gvr.String(), err)
				}
				return nil
			})
		}
	}
	klog.InfoS("Watch dispatcher started", "bindings", count)
	return g.Wait()
}

// handle 对一个事件执行过滤，然后按动作类型调用回调。
func (d *Dispatcher) handle(ctx context.Context, c *capability.Capability, b capability.Binding, obj *unstructured.Unstructured, phase capability.WatchPhase) {
	if !phaseMatches(b.Event(), phase) {
		return
	}

	req := &capability.AdmissionRequest{
		Kind:      obj.GroupVersionKind(),
		Name:      obj.GetName(),
		Namespace: obj.GetNamespace(),
		Object:    obj,
	}
	if ok, reason := filter.Matches(b, req, c.Namespaces(), d.opts.IgnoredNamespaces); !ok {
		klog.V(4).InfoS("Watch event skipped", "capability", c.Name(), "kind", b.Kind().Kind,
			"namespace", obj.GetNamespace(), "name", obj.GetName(), "phase", phase, "reason", reason)
		return
	}

	switch action := b.Action().(type) {
	case capability.WatchAction:
		if action.Queued {
			d.enqueue(ctx, c.Name(), obj, phase, action.Fn)
			return
		}
		if err := invoke(ctx, action.Fn, obj, phase); err != nil {
			klog.ErrorS(err, "Watch action failed", "capability", c.Name(),
				"namespace", obj.GetNamespace(), "name", obj.GetName(), "phase", phase)
		}
	case capability.FinalizeAction:
		if obj.GetDeletionTimestamp() == nil {
			return
		}
		d.enqueue(ctx, c.Name(), obj, phase, d.finalize(b.Kind(), action.Fn))
	}
}

func (d *Dispatcher) enqueue(ctx context.Context, capabilityName string, obj *unstructured.Unstructured, phase capability.WatchPhase, fn capability.WatchFunc) {
	done := d.queues.Enqueue(ctx, obj, phase, fn)
	go func() {
		if err := <-done; err != nil {
			gvk, ref, _ := util.ObjectReference(obj)
			klog.ErrorS(err, "Reconcile failed", "capability", capabilityName,
				"kind", gvk.Kind, "object", ref, "phase", phase)
		}
	}()
}

func invoke(ctx context.Context, fn capability.WatchFunc, obj *unstructured.Unstructured, phase capability.WatchPhase) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("watch action panicked: %v", r)
		}
	}()
	return fn(ctx, obj, phase)
}

// phaseMatches 把绑定事件映射到 watch 阶段。
func phaseMatches(event capability.Event, phase capability.WatchPhase) bool {
	switch event {
	case capability.Any:
		return true
	case capability.Create:
		return phase == capability.Added
	case capability.Update:
		return phase == capability.Modified
	case capability.CreateOrUpdate:
		return phase == capability.Added || phase == capability.Modified
	case capability.Delete:
		return phase == capability.Deleted
	}
	return false
}
