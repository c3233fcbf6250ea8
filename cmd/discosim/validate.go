package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/discovery-collab-sim/core"
	"github.com/signalsfoundry/discovery-collab-sim/internal/sim"
)

func newValidateCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check a scenario and print the configuration it resolves to",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := root.scenario(cmd)
			if err != nil {
				return err
			}
			if err := s.Validate(); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if err := sim.WriteConfigSummary(out, s); err != nil {
				return err
			}
			engine, err := core.NewSimulationEngineFromScenario(s, sim.DefaultEpoch)
			if err != nil {
				return err
			}
			changes := engine.Run(s.MobilityStep.Duration(), s.SimTime.Duration())
			if _, err := fmt.Fprintf(out, "range changes over the run: %d\n", len(changes)); err != nil {
				return err
			}
			_, err = fmt.Fprintf(out, "scenario %q is valid (%d agents)\n", s.Name, len(s.Agents))
			return err
		},
	}
}

func newDefaultsCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "defaults",
		Short: "Print the generated scenario as YAML",
		Long: `defaults prints the scenario that run would use without --scenario, so it
can be saved, edited and passed back with --scenario.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := root.scenario(cmd)
			if err != nil {
				return err
			}
			return s.Encode(cmd.OutOrStdout())
		},
	}
}
