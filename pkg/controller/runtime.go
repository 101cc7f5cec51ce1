// file: pkg/controller/runtime.go

// Package controller 把存储控制器、准入 webhook 与 watch 分发器组装成一个运行时。
package controller

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/client-go/dynamic"
	"k8s.io/klog/v2"

	"github.com/fx147/capability-runtime/pkg/admission"
	"github.com/fx147/capability-runtime/pkg/capability"
	"github.com/fx147/capability-runtime/pkg/config"
	"github.com/fx147/capability-runtime/pkg/informer"
	"github.com/fx147/capability-runtime/pkg/queue"
	"github.com/fx147/capability-runtime/pkg/store"
	"github.com/fx147/capability-runtime/pkg/watch"
)

// Runtime 持有一次进程生命周期内的所有组件。
type Runtime struct {
	cfg          config.Config
	capabilities []*capability.Capability

	store      *store.Controller
	pipeline   *admission.Pipeline
	server     *admission.Server
	dispatcher *watch.Dispatcher
	queues     *queue.Registry

	ready chan struct{}
}

// New 校验配置并构造所有组件。records 保存共享的存储记录；
// client 只在 watch 模式下使用，可以为 nil。
func New(cfg config.Config, capabilities []*capability.Capability, client dynamic.Interface, records store.RecordClient) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	names := map[string]bool{}
	stores := make(map[string]*store.Storage, len(capabilities))
	for _, c := range capabilities {
		if names[c.Name()] {
			return nil, fmt.Errorf("duplicate capability name %q", c.Name())
		}
		names[c.Name()] = true
		c.Store().SetWaitTimeout(cfg.StoreWaitTimeout)
		stores[c.Name()] = c.Store()
	}
	if client == nil && cfg.Mode != config.ModeAdmission {
		return nil, fmt.Errorf("mode %q requires a cluster client", cfg.Mode)
	}

	onError, _ := admission.ParseOnError(cfg.OnError)
	r := &Runtime{
		cfg:          cfg,
		capabilities: capabilities,
		queues:       queue.NewRegistry(queue.ParseStrategy(cfg.ReconcileStrategy)),
		ready:        make(chan struct{}),
	}
	r.store = store.NewController(records, stores, store.Options{
		Namespace:       cfg.StoreNamespace,
		Name:            cfg.StoreName,
		ReceiveDebounce: cfg.StoreReceiveDebounce,
		SendInterval:    cfg.StoreSendDebounce,
		OnReady:         func() { close(r.ready) },
	})
	r.pipeline = admission.NewPipeline(capabilities, admission.Options{
		UUID:              cfg.UUID,
		OnError:           onError,
		IgnoredNamespaces: cfg.AlwaysIgnoredNamespaces,
	})
	r.server = admission.NewServer(r.pipeline)
	if client != nil {
		r.dispatcher = watch.NewDispatcher(client, capabilities, r.queues, watch.Options{
			IgnoredNamespaces: cfg.AlwaysIgnoredNamespaces,
			Informer: informer.Options{
				ResyncPeriod: cfg.WatchResyncPeriod,
				FailureMax:   cfg.WatchFailureMax,
			},
		})
	}
	return r, nil
}

// Pipeline returns the admission pipeline.
func (r *Runtime) Pipeline() *admission.Pipeline { return r.pipeline }

// Server returns the webhook server.
func (r *Runtime) Server() *admission.Server { return r.server }

// Ready is closed once every capability store received its first snapshot.
func (r *Runtime) Ready() <-chan struct{} { return r.ready }

// Run 启动所有组件并阻塞到 ctx 结束或某个组件失败。
// watch 分发器在存储就绪之后才启动。
func (r *Runtime) Run(ctx context.Context) error {
	defer utilruntime.HandleCrash()

	klog.InfoS("Starting capability runtime", "mode", r.cfg.Mode, "capabilities", len(r.capabilities),
		"onError", r.cfg.OnError, "reconcileStrategy", r.cfg.ReconcileStrategy)
	defer klog.Info("Shutting down capability runtime")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.store.Run(gctx)
	})

	if r.cfg.Mode == config.ModeAdmission || r.cfg.Mode == config.ModeAll {
		g.Go(func() error {
			return r.server.Run(gctx, r.cfg.WebhookAddress, r.cfg.WebhookCertFile, r.cfg.WebhookKeyFile)
		})
	}

	if r.cfg.Mode == config.ModeWatch || r.cfg.Mode == config.ModeAll {
		g.Go(func() error {
			select {
			case <-r.ready:
			case <-gctx.Done():
				return nil
			}
			klog.Info("Capability stores ready, starting watches")
			return r.dispatcher.Run(gctx)
		})
	}

	err := g.Wait()
	// 退出前尽量把未发送的写入刷出去
	if flushErr := r.store.FlushAll(context.Background()); flushErr != nil {
		klog.ErrorS(flushErr, "Failed to flush capability stores on shutdown")
	}
	return err
}
