package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
)

// Output печатает результаты команд: таблицы и дерево run в stdout,
// сообщения в stderr. С --json вместо таблиц печатается JSON.
type Output struct {
	jsonMode bool
	w        io.Writer
	errW     io.Writer
}

// NewOutput создаёт Output поверх stdout и stderr.
func NewOutput(jsonMode bool) *Output {
	return &Output{
		jsonMode: jsonMode,
		w:        os.Stdout,
		errW:     os.Stderr,
	}
}

// Print выводит таблицу или, в режиме JSON, jsonData.
func (o *Output) Print(headers []string, rows [][]string, jsonData any) {
	if o.jsonMode {
		o.JSON(jsonData)
		return
	}
	o.Table(headers, rows)
}

// Table выравнивает колонки через tabwriter.
func (o *Output) Table(headers []string, rows [][]string) {
	tw := tabwriter.NewWriter(o.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	tw.Flush()

	if len(rows) == 0 {
		fmt.Fprintln(o.w, "(none)")
	}
}

// JSON выводит v с отступами.
func (o *Output) JSON(v any) {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintln(o.errW, "encode json:", err)
	}
}

// Success выводит сообщение в stderr, чтобы не мешать pipe.
func (o *Output) Success(msg string) {
	fmt.Fprintln(o.errW, msg)
}

// Snapshot выводит run деревом шагов, а под ним заполненные выходы.
//
//	ID        RUN           STATUS    TASKS
//	8c1f...   pipeline      RUNNING
//	2be0...   ├─ align      RUNNING   1/2 ok, 1 running, 0 failed
//	91aa...   └─ report     PENDING
func (o *Output) Snapshot(snap *RunSnapshot) {
	if o.jsonMode {
		o.JSON(snap)
		return
	}

	var rows [][]string
	var walk func(s *RunSnapshot, prefix, branch string)
	walk = func(s *RunSnapshot, prefix, branch string) {
		rows = append(rows, []string{
			s.Run.ID,
			prefix + branch + s.Run.Name,
			s.Run.Status,
			formatCounts(s.Tasks),
			s.Run.Error,
		})

		childPrefix := prefix
		switch branch {
		case "├─ ":
			childPrefix += "│  "
		case "└─ ":
			childPrefix += "   "
		}
		for i, child := range s.Steps {
			next := "├─ "
			if i == len(s.Steps)-1 {
				next = "└─ "
			}
			walk(child, childPrefix, next)
		}
	}
	walk(snap, "", "")
	o.Table([]string{"ID", "RUN", "STATUS", "TASKS", "ERROR"}, rows)

	if len(snap.Outputs) > 0 {
		fmt.Fprintln(o.w)
		o.Table([]string{"OUTPUT", "VALUE"}, outputRows(snap.Outputs))
	}
}

func formatCounts(c *TaskCounts) string {
	if c == nil {
		return ""
	}
	return fmt.Sprintf("%d/%d ok, %d running, %d failed", c.Succeeded, c.Total, c.Running, c.Failed+c.Killed)
}

// outputRows печатает значения выходов как JSON, по имени канала.
func outputRows(outputs map[string]any) [][]string {
	keys := make([]string, 0, len(outputs))
	for k := range outputs {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	rows := make([][]string, len(keys))
	for i, k := range keys {
		data, _ := json.Marshal(outputs[k])
		rows[i] = []string{k, string(data)}
	}
	return rows
}
