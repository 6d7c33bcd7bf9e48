package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/i2y/toolgate/configs"
	"github.com/i2y/toolgate/internal/usecase"
)

func init() {
	rootCmd.AddCommand(validateCmd)
}

var validateCmd = &cobra.Command{
	Use:   "validate <file>...",
	Short: "Check deployment files without contacting their origins",
	Long: `Decode each deployment file (JSON, YAML or TOML) and run every check
that does not need the origin: project fields, origin settings, pricing plans
and tool configs. Exits non-zero when any file is invalid.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	failed := 0
	for _, path := range args {
		cfg, err := configs.LoadDeploymentFile(path)
		if err == nil {
			err = usecase.ValidateConfig(cfg)
		}
		if err != nil {
			failed++
			fmt.Fprintf(out, "FAIL %s\n%v\n", path, err)
			continue
		}
		fmt.Fprintf(out, "ok   %s (%s, %d tool configs, %d plans)\n", path, cfg.Slug, len(cfg.ToolConfigs), len(cfg.PricingPlans))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d deployment files are invalid", failed, len(args))
	}
	return nil
}
