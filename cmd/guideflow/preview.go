package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/liliang-cn/guideflow/internal/flow"
	"github.com/liliang-cn/guideflow/internal/reveal"
	"github.com/liliang-cn/guideflow/internal/service"
	"github.com/spf13/cobra"
)

var (
	previewFile string
	previewFlow string
	previewName string

	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	stageStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63")).MarginTop(1)
	chunkStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240")).Padding(0, 1).Width(72)
	timeStyle  = lipgloss.NewStyle().Faint(true)
)

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Render a flow's scripted messages the way they are revealed",
	Long: `Preview loads flow definitions (the built-in ones, overlaid by --file when
given), splits each scripted message into reveal chunks and prints them with
the time each chunk appears at the configured pacing.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := previewFile
		if path == "" {
			path = cfg.Flows.Path
		}
		reg, err := flow.LoadRegistry(path)
		if err != nil {
			return err
		}
		def, err := reg.Get(previewFlow)
		if err != nil {
			return err
		}
		amplifier, err := service.NewAmplifierService(logger)
		if err != nil {
			return err
		}

		opts := reveal.Options{
			Stagger:    cfg.Reveal.Stagger,
			Tick:       cfg.Reveal.Tick,
			Typewriter: cfg.Reveal.Typewriter,
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, titleStyle.Render(fmt.Sprintf("%s (%s)", def.Title, def.Name)))

		render := func(stage, text string) {
			text = strings.TrimSpace(text)
			if text == "" {
				return
			}
			fmt.Fprintln(out, stageStyle.Render(stage))
			chunks := reveal.Split(text, cfg.Reveal.MinChunk)
			plan := reveal.Plan(chunks, opts)
			shown := make(map[int]time.Duration)
			for _, s := range plan {
				if _, ok := shown[s.Chunk]; !ok {
					shown[s.Chunk] = s.At
				}
			}
			for i, c := range chunks {
				fmt.Fprintln(out, timeStyle.Render(fmt.Sprintf("+%s", shown[i])))
				fmt.Fprintln(out, chunkStyle.Render(c))
			}
			fmt.Fprintln(out, timeStyle.Render(fmt.Sprintf("done after %s", reveal.Duration(plan))))
		}

		render("welcome", def.Welcome)
		render("intro", def.IntroFor(previewName))
		for i, q := range def.Questions {
			text := q.Text
			if len(q.Examples) > 0 {
				text += "\n\nFor example: " + strings.Join(q.Examples, "; ")
			}
			render(fmt.Sprintf("question %d of %d", i+1, len(def.Questions)), text)
		}
		render("transition", def.Transition)
		render("complete", def.Complete)

		var kinds []string
		for _, k := range amplifier.Kinds() {
			kinds = append(kinds, string(k))
		}
		fmt.Fprintln(out, stageStyle.Render("amplifiers"))
		fmt.Fprintln(out, strings.Join(kinds, ", "))
		return nil
	},
}

func init() {
	previewCmd.Flags().StringVarP(&previewFile, "file", "f", "", "Flow definitions file to overlay")
	previewCmd.Flags().StringVar(&previewFlow, "flow", "ava", "Flow to preview")
	previewCmd.Flags().StringVar(&previewName, "name", "Alex", "Name substituted into the intro")
}
