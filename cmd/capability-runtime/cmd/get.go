// file: cmd/capability-runtime/cmd/get.go

package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"k8s.io/client-go/dynamic"

	"github.com/fx147/capability-runtime/internal/capability-runtime/util"
	"github.com/fx147/capability-runtime/pkg/config"
)

// newGetCmd 创建 get 命令
func newGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get [resource]",
		Short: "Display registered bindings or the store record",
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}
	cmd.AddCommand(newGetBindingsCmd())
	cmd.AddCommand(newGetStoreCmd())
	return cmd
}

// newGetBindingsCmd 创建 "get bindings" 子命令
func newGetBindingsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "bindings",
		Short:   "List the bindings of every built-in capability",
		Aliases: []string{"binding", "b"},
		RunE: func(cmd *cobra.Command, args []string) error {
			util.PrintBindingsTable(os.Stdout, registered)
			return nil
		},
	}
}

// newGetStoreCmd 创建 "get store" 子命令
func newGetStoreCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Show the persisted capability store record",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			var client dynamic.Interface
			if cfg.LocalStorePath == "" {
				client, err = util.NewDynamicClientFromFlags()
				if err != nil {
					return err
				}
			}
			records, closeRecords, err := util.NewRecordClient(cfg, client)
			if err != nil {
				return err
			}
			defer closeRecords()

			record, err := records.Get(context.Background(), cfg.StoreNamespace, cfg.StoreName)
			if err != nil {
				return err
			}
			switch output {
			case "", "table":
				util.PrintStoreTable(os.Stdout, record)
				return nil
			case "yaml":
				return util.PrintYAML(os.Stdout, record)
			default:
				return fmt.Errorf("unknown output format %q: must be table or yaml", output)
			}
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "table", "output format: table or yaml")
	return cmd
}
