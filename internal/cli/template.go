package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// NewTemplateCmd создаёт группу команд для шаблонов.
func NewTemplateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Manage templates",
	}

	cmd.AddCommand(
		newTemplateListCmd(clientFn, outputFn),
		newTemplateShowCmd(clientFn, outputFn),
		newTemplateImportCmd(clientFn, outputFn),
	)

	return cmd
}

func templateRow(t TemplateResponse) []string {
	id := t.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return []string{id, t.Name, strconv.FormatBool(t.IsLeaf), strings.Join(t.Inputs, ","), strings.Join(t.Tags, ","), t.ImportedAt}
}

var templateHeaders = []string{"ID", "NAME", "LEAF", "INPUTS", "TAGS", "IMPORTED"}

func newTemplateListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List imported templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			templates, err := client.ListTemplates()
			if err != nil {
				return err
			}

			rows := make([][]string, len(templates))
			for i, t := range templates {
				rows[i] = templateRow(t)
			}

			out.Print(templateHeaders, rows, templates)
			return nil
		},
	}
}

func newTemplateShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show REF",
		Short: "Show a template (name, name@id or name:tag)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := clientFn().GetTemplate(args[0])
			if err != nil {
				return err
			}
			outputFn().JSON(t)
			return nil
		},
	}
}

func newTemplateImportCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var tags []string

	cmd := &cobra.Command{
		Use:   "import FILE...",
		Short: "Import templates from YAML or HCL files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			var imported []TemplateResponse
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}

				ts, err := client.ImportTemplates(ImportTemplateRequest{
					Format:  strings.TrimPrefix(filepath.Ext(path), "."),
					Content: string(data),
					Tags:    tags,
				})
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				imported = append(imported, ts...)
			}

			rows := make([][]string, len(imported))
			for i, t := range imported {
				rows[i] = templateRow(t)
			}

			out.Success(fmt.Sprintf("Imported %d template(s)", len(imported)))
			out.Print(templateHeaders, rows, imported)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&tags, "tag", nil, "Tag imported templates (repeatable)")

	return cmd
}
