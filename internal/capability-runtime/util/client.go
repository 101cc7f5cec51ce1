// file: internal/capability-runtime/util/client.go

package util

import (
	"fmt"

	"github.com/spf13/viper"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/fx147/capability-runtime/pkg/config"
	"github.com/fx147/capability-runtime/pkg/informer"
	"github.com/fx147/capability-runtime/pkg/registry"
	"github.com/fx147/capability-runtime/pkg/store"
	"github.com/fx147/capability-runtime/pkg/store/kubestore"
)

// NewDynamicClientFromFlags 使用 --kubeconfig（为空时按 clientcmd 的默认规则查找，
// 包括集群内配置）创建一个 dynamic client。
func NewDynamicClientFromFlags() (dynamic.Interface, error) {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if path := viper.GetString("kubeconfig"); path != "" {
		rules.ExplicitPath = path
	}
	overrides := &clientcmd.ConfigOverrides{CurrentContext: viper.GetString("context")}
	restConfig, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load kubeconfig: %w", err)
	}
	return dynamic.NewForConfig(restConfig)
}

// NewRecordClient 根据配置选择存储记录的后端。返回的 close 函数总是非 nil。
func NewRecordClient(cfg config.Config, client dynamic.Interface) (store.RecordClient, func() error, error) {
	if cfg.LocalStorePath != "" {
		reg, err := registry.Open(cfg.LocalStorePath)
		if err != nil {
			return nil, nil, err
		}
		return reg, reg.Close, nil
	}
	if client == nil {
		return nil, nil, fmt.Errorf("a cluster client is required when localStorePath is not set")
	}
	return kubestore.New(client, informer.Options{
		ResyncPeriod: cfg.WatchResyncPeriod,
		FailureMax:   cfg.WatchFailureMax,
	}), func() error { return nil }, nil
}
