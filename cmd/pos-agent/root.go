package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"bitbucket.org/mmdatafocus/pos_sync/config"
)

// rootOptions holds the global flags. Empty flags fall back to the settings
// loaded from the environment or CONFIG_FILE.
type rootOptions struct {
	ConfigFile string
	StorePath  string
	BackendURL string
	BusinessId string
	Format     string

	settings *config.Settings
}

var validFormats = []string{"text", "json"}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "pos-agent",
		Short: "Offline-first POS sync agent",
		Long: `pos-agent keeps a device's sales in a local queue while the backend is
unreachable and submits them in order once connectivity returns.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
			}
			settings, err := config.LoadSettings(opts.ConfigFile)
			if err != nil {
				return err
			}
			if opts.StorePath != "" {
				settings.LocalStorePath = opts.StorePath
			}
			if opts.BackendURL != "" {
				settings.BackendURL = opts.BackendURL
			}
			if opts.BusinessId != "" {
				settings.BusinessId = opts.BusinessId
			}
			if settings.BusinessId == "" {
				return fmt.Errorf("business id is required (--business or BUSINESS_ID)")
			}
			opts.settings = settings
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "YAML config file (default $CONFIG_FILE)")
	cmd.PersistentFlags().StringVar(&opts.StorePath, "store", "", "local store path (default $LOCAL_STORE_PATH)")
	cmd.PersistentFlags().StringVar(&opts.BackendURL, "backend", "", "sync server base URL (default $BACKEND_URL)")
	cmd.PersistentFlags().StringVar(&opts.BusinessId, "business", "", "business id (default $BUSINESS_ID)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newSellCommand(opts))
	cmd.AddCommand(newPendingCommand(opts))
	cmd.AddCommand(newDeadLettersCommand(opts))
	cmd.AddCommand(newRequeueCommand(opts))
	cmd.AddCommand(newDrainCommand(opts))
	cmd.AddCommand(newStatsCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range validFormats {
		if f == format {
			return true
		}
	}
	return false
}

// writeJSON prints v indented; text output is written by each command.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
