// file: internal/capability-runtime/util/printer.go

package util

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"sigs.k8s.io/yaml"

	capv1 "github.com/fx147/capability-runtime/pkg/apis/capability/v1"
	"github.com/fx147/capability-runtime/pkg/capability"
)

// PrintBindingsTable 以表格形式打印所有能力的绑定。
func PrintBindingsTable(out io.Writer, capabilities []*capability.Capability) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "CAPABILITY\tACTION\tKIND\tEVENT\tNAMESPACES\tALIAS")
	for _, c := range capabilities {
		for _, b := range c.Bindings() {
			namespaces := b.Filters().Namespaces
			if len(namespaces) == 0 {
				namespaces = c.Namespaces()
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				c.Name(),
				actionName(b.Action()),
				kindString(b),
				b.Event(),
				orNone(strings.Join(namespaces, ",")),
				orNone(b.Alias()),
			)
		}
	}
}

func actionName(a capability.Action) string {
	switch action := a.(type) {
	case capability.MutateAction:
		return "mutate"
	case capability.ValidateAction:
		return "validate"
	case capability.WatchAction:
		if action.Queued {
			return "reconcile"
		}
		return "watch"
	case capability.FinalizeAction:
		return "finalize"
	}
	return "unknown"
}

func kindString(b capability.Binding) string {
	gvk := b.Kind()
	if gvk.Group == "" {
		return gvk.Version + "/" + gvk.Kind
	}
	return gvk.Group + "/" + gvk.Version + "/" + gvk.Kind
}

func orNone(s string) string {
	if s == "" {
		return "<none>"
	}
	return s
}

// PrintStoreTable 打印存储记录中的键值，按键排序。
func PrintStoreTable(out io.Writer, record *capv1.CapabilityStore) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	defer w.Flush()

	keys := make([]string, 0, len(record.Data))
	for k := range record.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprintln(w, "KEY\tVALUE")
	for _, k := range keys {
		fmt.Fprintf(w, "%s\t%s\n", k, truncate(record.Data[k], 60))
	}
}

// PrintYAML 把任意对象以 YAML 打印。
func PrintYAML(out io.Writer, obj interface{}) error {
	data, err := yaml.Marshal(obj)
	if err != nil {
		return fmt.Errorf("failed to encode yaml: %w", err)
	}
	_, err = out.Write(data)
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
