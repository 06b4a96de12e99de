package cmd

import (
	"fmt"
	"os"

	"go-civitai-scraper/internal/config"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configForceFlag  bool
	configFormatFlag string
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or create the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init [PATH]",
	Short: "Write a config.toml with the default settings",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.DefaultConfigFilePath
		if cfgFile != "" {
			path = cfgFile
		}
		if len(args) == 1 {
			path = args[0]
		}
		if err := config.WriteTemplate(path, configForceFlag); err != nil {
			return err
		}
		log.Infof("Wrote %s", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Prints the configuration after merging defaults, the config file,
CIVITAI_* environment variables and flags. The API key is masked.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := globalConfig
		if cfg.APIKey != "" {
			cfg.APIKey = "********"
		}
		switch configFormatFlag {
		case "toml":
			return toml.NewEncoder(os.Stdout).Encode(cfg)
		case formatJSON, formatYAML:
			return writeStructured(os.Stdout, configFormatFlag, cfg)
		}
		return fmt.Errorf("unknown format %q (toml, json, yaml)", configFormatFlag)
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd, configShowCmd)

	configInitCmd.Flags().BoolVar(&configForceFlag, "force", false, "Overwrite an existing file")
	configShowCmd.Flags().StringVarP(&configFormatFlag, "format", "f", "toml", "Output format (toml, json, yaml)")
}
