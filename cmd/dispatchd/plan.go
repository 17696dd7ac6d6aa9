package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/dispatchd/internal/config"
	"github.com/fyrsmithlabs/dispatchd/internal/planner"
)

var planPath string

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Divide a plan file into execution phases without running it",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		items, _, err := loadPlan(planPath)
		if err != nil {
			return err
		}

		divider := planner.NewDivider(planner.Options{
			MaxPhases:           cfg.Planner.MaxPhases,
			BottleneckThreshold: cfg.Planner.BottleneckThreshold,
		})
		plan, err := divider.Divide(items)
		if err != nil {
			return err
		}

		for _, phase := range plan.Phases {
			fmt.Printf("phase %d: %s\n", phase.Index, strings.Join(phase.ItemIDs(), ", "))
		}
		if len(plan.Bottlenecks) > 0 {
			fmt.Printf("bottlenecks: %s\n", strings.Join(plan.Bottlenecks, ", "))
		}
		return nil
	},
}

func init() {
	planCmd.Flags().StringVar(&planPath, "plan", "plan.yaml", "path to plan YAML")
}
