// file: cmd/capability-runtime/cmd/run.go

package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"k8s.io/client-go/dynamic"
	"k8s.io/klog/v2"

	"github.com/fx147/capability-runtime/internal/capability-runtime/util"
	"github.com/fx147/capability-runtime/pkg/config"
	"github.com/fx147/capability-runtime/pkg/controller"
)

// newRunCmd 创建 run 命令
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Serve admission webhooks and run watches",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}

			// admission 模式且使用本地存储时不需要集群连接
			var client dynamic.Interface
			if cfg.Mode != config.ModeAdmission || cfg.LocalStorePath == "" {
				client, err = util.NewDynamicClientFromFlags()
				if err != nil {
					return err
				}
			}

			records, closeRecords, err := util.NewRecordClient(cfg, client)
			if err != nil {
				return err
			}
			defer func() {
				if err := closeRecords(); err != nil {
					klog.ErrorS(err, "Failed to close store backend")
				}
			}()

			rt, err := controller.New(cfg, registered, client, records)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return rt.Run(ctx)
		},
	}

	flags := cmd.Flags()
	d := config.Default()
	flags.String("mode", string(d.Mode), "what to run: admission, watch or all")
	flags.String("webhook-address", d.WebhookAddress, "listen address of the webhook server")
	flags.String("webhook-cert-file", "", "TLS certificate for the webhook server, plain HTTP when empty")
	flags.String("webhook-key-file", "", "TLS key for the webhook server")
	flags.Duration("store-receive-debounce", d.StoreReceiveDebounce, "collapse remote store updates arriving within this window")
	flags.Duration("store-send-debounce", d.StoreSendDebounce, "interval between store flushes")
	flags.Duration("store-wait-timeout", d.StoreWaitTimeout, "maximum time SetAndWait and RemoveAndWait block")
	flags.Int("watch-failure-max", d.WatchFailureMax, "consecutive watch failures before the process exits")
	flags.Duration("watch-resync-period", d.WatchResyncPeriod, "informer resync period, 0 disables resync")

	for key, flag := range map[string]string{
		"mode":                 "mode",
		"webhookAddress":       "webhook-address",
		"webhookCertFile":      "webhook-cert-file",
		"webhookKeyFile":       "webhook-key-file",
		"storeReceiveDebounce": "store-receive-debounce",
		"storeSendDebounce":    "store-send-debounce",
		"storeWaitTimeout":     "store-wait-timeout",
		"watchFailureMax":      "watch-failure-max",
		"watchResyncPeriod":    "watch-resync-period",
	} {
		_ = viper.BindPFlag(key, flags.Lookup(flag))
	}
	return cmd
}
