package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"
)

// NewRunCmd создаёт группу команд для управления runs.
func NewRunCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Manage runs",
	}

	cmd.AddCommand(
		newRunListCmd(clientFn, outputFn),
		newRunStartCmd(clientFn, outputFn),
		newRunShowCmd(clientFn, outputFn),
		newRunKillCmd(clientFn, outputFn),
		newRunEventsCmd(clientFn, outputFn),
		newRunTagCmd(clientFn, outputFn),
	)

	return cmd
}

func runRow(r RunResponse) []string {
	return []string{r.ID, r.Name, r.Status, strconv.Itoa(r.Generation), r.CreatedAt}
}

var runHeaders = []string{"ID", "NAME", "STATUS", "GENERATION", "CREATED"}

func newRunListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var tag string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List root runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			runs, err := client.ListRuns(tag)
			if err != nil {
				return err
			}

			rows := make([][]string, len(runs))
			for i, r := range runs {
				rows[i] = runRow(r)
			}

			out.Print(runHeaders, rows, runs)
			return nil
		},
	}

	cmd.Flags().StringVar(&tag, "tag", "", "Filter by tag")

	return cmd
}

func newRunStartCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var (
		inputs     []string
		inputsFile string
		name       string
		tags       []string
		notify     []string
	)

	cmd := &cobra.Command{
		Use:   "start TEMPLATE",
		Short: "Start a run of a template (name, name@id or name:tag)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			values, err := collectInputs(inputsFile, inputs)
			if err != nil {
				return err
			}

			run, err := client.CreateRun(CreateRunRequest{
				Template: args[0],
				Inputs:   values,
				Name:     name,
				Tags:     tags,

				NotificationURLs: notify,
			})
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Run started: %s", run.ID))
			out.Print(runHeaders, [][]string{runRow(*run)}, run)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&inputs, "input", nil, "Input values as KEY=VALUE, VALUE may be JSON (repeatable)")
	cmd.Flags().StringVar(&inputsFile, "inputs-file", "", "YAML or JSON file with input values")
	cmd.Flags().StringVar(&name, "name", "", "Run name (template name if empty)")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "Tag the run (repeatable)")
	cmd.Flags().StringSliceVar(&notify, "notify", nil, "POST a notification to URL when the run finishes (repeatable)")

	return cmd
}

// collectInputs собирает входы из файла и флагов; флаги перекрывают файл.
func collectInputs(file string, pairs []string) (map[string]any, error) {
	values := make(map[string]any)

	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read inputs file: %w", err)
		}
		var raw map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse inputs file: %w", err)
		}
		for k, v := range raw {
			values[k] = normalizeYAML(v)
		}
	}

	for _, kv := range pairs {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid input format %q, expected KEY=VALUE", kv)
		}
		values[key] = parseInputValue(value)
	}

	if len(values) == 0 {
		return nil, nil
	}
	return values, nil
}

// parseInputValue читает значение как JSON, иначе оставляет строкой.
func parseInputValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}

// normalizeYAML переводит map[interface{}]interface{} из yaml.v2
// в типы, которые понимает encoding/json.
func normalizeYAML(v any) any {
	switch x := v.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, val := range x {
			m[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return m
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return v
	}
}

func newRunShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show a run with its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			snap, err := client.GetRun(args[0])
			if err != nil {
				return err
			}

			out.Snapshot(snap)
			return nil
		},
	}
}

func newRunKillCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "kill ID",
		Short: "Kill a run and everything under it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			run, err := client.KillRun(args[0], reason)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Run killed: %s", run.ID))
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded in the run events")

	return cmd
}

func newRunEventsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "events ID",
		Short: "Show run events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			events, err := client.ListEvents(args[0], limit)
			if err != nil {
				return err
			}

			headers := []string{"TIME", "LEVEL", "MESSAGE", "DETAIL"}
			rows := make([][]string, len(events))
			for i, e := range events {
				level := "info"
				if e.IsError {
					level = "error"
				}
				rows[i] = []string{e.Timestamp, level, e.Message, e.Detail}
			}

			out.Print(headers, rows, events)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of events")

	return cmd
}

func newRunTagCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "tag ID TAG",
		Short: "Tag a run",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := clientFn().TagRun(args[0], args[1]); err != nil {
				return err
			}
			outputFn().Success(fmt.Sprintf("Run %s tagged %q", args[0], args[1]))
			return nil
		},
	}
}
