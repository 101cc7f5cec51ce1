// file: cmd/capability-runtime/main.go

package main

import (
	"flag"

	"k8s.io/klog/v2"

	"github.com/fx147/capability-runtime/cmd/capability-runtime/cmd"
)

func main() {
	// 将 klog 的标志添加到 cobra 的根命令上，支持 -v 等参数
	fs := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(fs)
	cmd.GetRootCmd().PersistentFlags().AddGoFlagSet(fs)

	cmd.Execute()
}
