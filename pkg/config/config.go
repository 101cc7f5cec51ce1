// file: pkg/config/config.go

// Package config 定义运行时的配置项，并从 viper 中加载。
package config

import (
	"fmt"
	"slices"
	"time"

	"github.com/spf13/viper"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/validation"

	"github.com/fx147/capability-runtime/pkg/admission"
	"github.com/fx147/capability-runtime/pkg/informer"
	"github.com/fx147/capability-runtime/pkg/queue"
	"github.com/fx147/capability-runtime/pkg/store"
)

// Mode 选择运行时启动哪些部分。
type Mode string

const (
	ModeAdmission Mode = "admission"
	ModeWatch     Mode = "watch"
	ModeAll       Mode = "all"
)

// Config 是运行时的全部配置。
type Config struct {
	UUID                    string        `mapstructure:"uuid"`
	OnError                 string        `mapstructure:"onError"`
	AlwaysIgnoredNamespaces []string      `mapstructure:"alwaysIgnoredNamespaces"`
	ReconcileStrategy       string        `mapstructure:"reconcileStrategy"`
	Mode                    Mode          `mapstructure:"mode"`
	StoreNamespace          string        `mapstructure:"storeNamespace"`
	StoreName               string        `mapstructure:"storeName"`
	StoreReceiveDebounce    time.Duration `mapstructure:"storeReceiveDebounce"`
	StoreSendDebounce       time.Duration `mapstructure:"storeSendDebounce"`
	StoreWaitTimeout        time.Duration `mapstructure:"storeWaitTimeout"`
	// LocalStorePath 非空时使用本地 bbolt 文件保存存储记录，而不是集群对象。
	LocalStorePath    string        `mapstructure:"localStorePath"`
	WebhookAddress    string        `mapstructure:"webhookAddress"`
	WebhookCertFile   string        `mapstructure:"webhookCertFile"`
	WebhookKeyFile    string        `mapstructure:"webhookKeyFile"`
	WatchFailureMax   int           `mapstructure:"watchFailureMax"`
	WatchResyncPeriod time.Duration `mapstructure:"watchResyncPeriod"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		OnError:              string(admission.OnErrorAudit),
		ReconcileStrategy:    string(queue.StrategyKind),
		Mode:                 ModeAll,
		StoreNamespace:       "capability-system",
		StoreName:            "capability-store",
		StoreReceiveDebounce: store.DefaultReceiveDebounce,
		StoreSendDebounce:    store.DefaultSendInterval,
		StoreWaitTimeout:     store.DefaultWaitTimeout,
		WebhookAddress:       ":8443",
		WatchFailureMax:      informer.DefaultFailureMax,
	}
}

// SetDefaults registers Default() on v so flags, files and env vars
// override each key individually.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("uuid", d.UUID)
	v.SetDefault("onError", d.OnError)
	v.SetDefault("alwaysIgnoredNamespaces", d.AlwaysIgnoredNamespaces)
	v.SetDefault("reconcileStrategy", d.ReconcileStrategy)
	v.SetDefault("mode", string(d.Mode))
	v.SetDefault("storeNamespace", d.StoreNamespace)
	v.SetDefault("storeName", d.StoreName)
	v.SetDefault("storeReceiveDebounce", d.StoreReceiveDebounce)
	v.SetDefault("storeSendDebounce", d.StoreSendDebounce)
	v.SetDefault("storeWaitTimeout", d.StoreWaitTimeout)
	v.SetDefault("localStorePath", d.LocalStorePath)
	v.SetDefault("webhookAddress", d.WebhookAddress)
	v.SetDefault("webhookCertFile", d.WebhookCertFile)
	v.SetDefault("webhookKeyFile", d.WebhookKeyFile)
	v.SetDefault("watchFailureMax", d.WatchFailureMax)
	v.SetDefault("watchResyncPeriod", d.WatchResyncPeriod)
}

// Load 从 v 中读取配置并校验。
func Load(v *viper.Viper) (Config, error) {
	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode configuration: %w", err)
	}
	cfg.AlwaysIgnoredNamespaces = dedup(cfg.AlwaysIgnoredNamespaces)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate 汇总所有配置错误后一次返回。
func (c Config) Validate() error {
	var errs []error
	if _, err := admission.ParseOnError(c.OnError); err != nil {
		errs = append(errs, err)
	}
	switch queue.Strategy(c.ReconcileStrategy) {
	case "", queue.StrategyKind, queue.StrategyKindNamespace, queue.StrategyKindNamespaceName, queue.StrategyGlobal, "kindNs", "kindNsName":
	default:
		errs = append(errs, fmt.Errorf("unknown reconcileStrategy %q", c.ReconcileStrategy))
	}
	switch c.Mode {
	case ModeAdmission, ModeWatch, ModeAll:
	default:
		errs = append(errs, fmt.Errorf("unknown mode %q: must be one of admission, watch, all", c.Mode))
	}
	for _, msg := range validation.IsDNS1123Label(c.StoreNamespace) {
		errs = append(errs, fmt.Errorf("storeNamespace %q: %s", c.StoreNamespace, msg))
	}
	for _, msg := range validation.IsDNS1123Subdomain(c.StoreName) {
		errs = append(errs, fmt.Errorf("storeName %q: %s", c.StoreName, msg))
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"storeReceiveDebounce", c.StoreReceiveDebounce},
		{"storeSendDebounce", c.StoreSendDebounce},
		{"storeWaitTimeout", c.StoreWaitTimeout},
	} {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", d.name, d.value))
		}
	}
	if c.WatchFailureMax < 0 {
		errs = append(errs, fmt.Errorf("watchFailureMax must not be negative"))
	}
	if (c.WebhookCertFile == "") != (c.WebhookKeyFile == "") {
		errs = append(errs, fmt.Errorf("webhookCertFile and webhookKeyFile must be set together"))
	}
	return utilerrors.NewAggregate(errs)
}

func dedup(in []string) []string {
	var out []string
	for _, s := range in {
		if s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}
