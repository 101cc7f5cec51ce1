// file: cmd/capability-runtime/cmd/root.go

package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"k8s.io/klog/v2"

	"github.com/fx147/capability-runtime/internal/capability-runtime/hello"
	"github.com/fx147/capability-runtime/pkg/capability"
	"github.com/fx147/capability-runtime/pkg/config"
)

var (
	// cfgFile 用于存储配置文件的路径
	cfgFile string

	// registered 是二进制中内置的能力，按注册顺序执行
	registered []*capability.Capability

	rootCmd = &cobra.Command{
		Use:   "capability-runtime",
		Short: "Admission and reconciliation runtime for Kubernetes capabilities",
		Long: `capability-runtime serves mutating and validating admission webhooks and
runs watches for the capabilities compiled into this binary. Capabilities
share state through a single persisted CapabilityStore record.`,
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}
)

// Execute 是 main.go 调用的入口。
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// GetRootCmd 导出 rootCmd 以便 main.go 可以添加 klog 标志
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// RegisterCapabilities appends capabilities to the set the runtime serves.
// It must be called before Execute.
func RegisterCapabilities(capabilities ...*capability.Capability) {
	registered = append(registered, capabilities...)
}

func init() {
	cobra.OnInitialize(initConfig)
	RegisterCapabilities(hello.New())

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.capability-runtime.yaml)")
	flags.String("kubeconfig", "", "path to the kubeconfig file, in-cluster config is used when empty")
	flags.String("context", "", "kubeconfig context to use")

	d := config.Default()
	flags.String("uuid", d.UUID, "identifier used to prefix status annotations")
	flags.String("on-error", d.OnError, "mutate failure policy: reject, audit or ignore")
	flags.StringSlice("always-ignored-namespaces", nil, "namespaces no binding ever sees")
	flags.String("reconcile-strategy", d.ReconcileStrategy, "queue key derivation: kind, kindNamespace, kindNamespaceName or global")
	flags.String("store-namespace", d.StoreNamespace, "namespace of the CapabilityStore record")
	flags.String("store-name", d.StoreName, "name of the CapabilityStore record")
	flags.String("local-store-path", d.LocalStorePath, "keep the store record in a local bbolt file instead of the cluster")

	bind := map[string]string{
		"kubeconfig":              "kubeconfig",
		"context":                 "context",
		"uuid":                    "uuid",
		"onError":                 "on-error",
		"alwaysIgnoredNamespaces": "always-ignored-namespaces",
		"reconcileStrategy":       "reconcile-strategy",
		"storeNamespace":          "store-namespace",
		"storeName":               "store-name",
		"localStorePath":          "local-store-path",
	}
	for key, flag := range bind {
		_ = viper.BindPFlag(key, flags.Lookup(flag))
	}

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newGetCmd())
}

// initConfig 读取配置文件和环境变量（如果设置了的话）。
func initConfig() {
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(".")
		viper.AddConfigPath(home)
		viper.SetConfigName(".capability-runtime")
		viper.SetConfigType("yaml")
	}

	// 环境变量前缀，例如 CAPRT_ONERROR
	viper.SetEnvPrefix("CAPRT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			klog.Warningf("Error reading config file: %v", err)
		}
	}
}
