package wrapper

import (
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/benchcloud/cloudrunexec/internal/config"
	"github.com/benchcloud/cloudrunexec/internal/environ"
)

// writeSummary renders what is about to run. Debug mode only.
func writeSummary(w io.Writer, inv *config.Invocation) {
	table := tablewriter.NewWriter(w)
	table.Header("Setting", "Value")

	table.Append([]string{"command", strings.Join(inv.Run.Command, " ")})
	for _, kind := range []config.LimitKind{config.MemLimit, config.TimeLimit, config.CoreLimit} {
		value := "unlimited"
		if v, ok := inv.Limits.Get(kind); ok {
			value = strconv.FormatInt(v, 10)
		}
		table.Append([]string{string(kind), value})
	}
	table.Append([]string{"output", inv.OutputPath})
	table.Append([]string{"maxLogfileSize", strconv.Itoa(inv.Run.MaxLogfileSizeMB) + " MB"})
	for _, name := range environ.TempDirVars {
		table.Append([]string{name, inv.Run.Env[name]})
	}

	table.Render()
}
