package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/stepper/internal/config"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the stepper version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "stepper %s (%s)\n", version, commit)
		},
	}
}

func newTypesCmd(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "types",
		Short: "List the registered journey types and their steps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath())
			if err != nil {
				return err
			}
			registry, err := buildRegistry(cfg.Catalog, zap.NewNop())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "TYPE\tSTEP\tWAIT\tON EXCEPTION\tMAX ATTEMPTS\tTRANSACTIONAL\n")
			for _, jt := range registry.All() {
				name := jt.Name()
				if jt.AllowMultiple() {
					name += " (multiple)"
				}
				for _, s := range jt.Steps() {
					maxAttempts := "default"
					if s.MaxAttempts > 0 {
						maxAttempts = fmt.Sprint(s.MaxAttempts)
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\n",
						name, s.Name, s.Wait, s.OnException, maxAttempts, s.Transactional)
					name = ""
				}
			}
			fmt.Fprintf(w, "\nchecksum %s\n", registry.Checksum())
			return w.Flush()
		},
	}
}
