package main

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/speters/ecotouchd/pkg/config"
	"github.com/speters/ecotouchd/pkg/ecotouch"
)

// To be set via go build -ldflags "-X main.buildVersion=$(git describe --dirty) -X main.buildDate=$(date -u +%FT%TZ)"
var buildVersion = "unspecified"
var buildDate = "unknown"

var (
	cfgFile string
	verbose bool
	cfg     = config.Default()

	// ad hoc device, used by read and write when no config file is given
	adHoc = config.DeviceConfig{Name: "device", Family: ecotouch.FamilyEcotouch, Username: "waterkotte", Password: "waterkotte"}
)

var rootCmd = &cobra.Command{
	Use:   "ecotouchd",
	Short: "Heat pump controller gateway",
	Long: `ecotouchd polls Waterkotte Ecotouch and Easycon heat pump controllers,
publishes the decoded tag values via MQTT and a REST api and writes setpoints back.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile != "" {
			loaded, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			// flags given on the command line win over the file
			fs := cmd.Flags()
			changed := make(map[string]string)
			fs.Visit(func(f *pflag.Flag) { changed[f.Name] = f.Value.String() })
			*cfg = *loaded
			for name, v := range changed {
				if err := fs.Set(name, v); err != nil {
					return err
				}
			}
		}
		if verbose {
			cfg.Log.Level = "debug"
		}
		return setupLogging(cfg.Log)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "configuration `file`")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	cfg.AddFlags(rootCmd.PersistentFlags())
}

func setupLogging(c config.LogConfig) error {
	lvl, err := log.ParseLevel(c.Level)
	if err != nil {
		return err
	}
	log.SetLevel(lvl)
	if c.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
