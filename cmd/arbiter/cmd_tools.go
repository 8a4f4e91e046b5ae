package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"arbiter-ai/internal/adapter/tool"
	"arbiter-ai/internal/domain"
	"arbiter-ai/internal/usecase/parser"
)

var (
	toolsCategory string
	toolsYAML     bool
	toolsSchema   string

	toolsCmd = &cobra.Command{
		Use:   "tools",
		Short: "List the action vocabulary",
		RunE:  runTools,
	}
)

func init() {
	toolsCmd.Flags().StringVar(&toolsCategory, "category", "", "only list tools in this category")
	toolsCmd.Flags().BoolVar(&toolsYAML, "yaml", false, "print the vocabulary in registry file format")
	toolsCmd.Flags().StringVar(&toolsSchema, "schema", "", "print the JSON Schema for one tool's parameters")
}

func runTools(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	reg, err := tool.Load(cfg.Tools)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	switch {
	case toolsSchema != "":
		d, ok := reg.Get(toolsSchema)
		if !ok {
			return domain.NewDomainError("tools --schema", domain.ErrToolNotFound, toolsSchema)
		}
		schema, err := parser.ToolSchema(d)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(schema))
		return nil
	case toolsYAML:
		data, err := tool.Marshal(reg)
		if err != nil {
			return err
		}
		_, err = out.Write(data)
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CATEGORY\tTOOL\tPARAMS\tCOOLDOWN")
	for _, cat := range reg.Categories() {
		if toolsCategory != "" && cat != toolsCategory {
			continue
		}
		for _, d := range reg.ByCategory(cat) {
			names := make([]string, 0, len(d.Parameters))
			for _, p := range d.Parameters {
				names = append(names, p.Name)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%gs\n", cat, d.Name, strings.Join(names, ","), d.Cooldown)
		}
	}
	return tw.Flush()
}
