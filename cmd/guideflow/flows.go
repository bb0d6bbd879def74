package main

import (
	"fmt"
	"strings"

	"github.com/liliang-cn/guideflow/internal/flow"
	"github.com/spf13/cobra"
)

var flowsCmd = &cobra.Command{
	Use:   "flows",
	Short: "List the configured flows",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := flow.LoadRegistry(cfg.Flows.Path)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, def := range reg.List() {
			stages := make([]string, 0, len(def.Stages))
			for _, s := range def.Stages {
				stages = append(stages, string(s))
			}
			fmt.Fprintf(out, "%s\t%s\n", titleStyle.Render(def.Name), def.Title)
			fmt.Fprintf(out, "  stages:    %s\n", strings.Join(stages, " > "))
			fmt.Fprintf(out, "  questions: %d\n", len(def.Questions))
			fmt.Fprintf(out, "  sections:  %d\n", def.Sections)
		}
		return nil
	},
}
