package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/txproc/pkg/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file without starting the server",
	Long: `Load a YAML configuration file, apply any --section.key=value
overrides, and report whether every queue descriptor it describes is
well-formed (known managementMask entries, a resolvable healthCheck type,
no duplicate queue names) without starting a nucleus.

Examples:
  txproc validate -f txproc.yaml
  txproc validate -f txproc.yaml --work.workers=8`,
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().StringP("file", "f", "txproc.yaml", "YAML file to validate")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	f, err := config.Load(filename)
	if err != nil {
		return err
	}
	for _, raw := range overrideArgs {
		section, key, value, err := config.ParseOverrideFlag(raw)
		if err != nil {
			return err
		}
		if err := f.ApplyOverride(section, key, value); err != nil {
			return err
		}
	}

	descs, err := f.ToQueueDescriptors()
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(descs))
	for _, d := range descs {
		if seen[d.Name] {
			return fmt.Errorf("duplicate queue name: %s", d.Name)
		}
		seen[d.Name] = true
		fmt.Printf("✓ queue %q: kind=%s workers=%d maxLength=%d\n", d.Name, d.Kind, d.Workers, d.MaxLength)
	}

	fmt.Printf("%d queue(s) validated\n", len(descs))
	return nil
}
