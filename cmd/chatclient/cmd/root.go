package cmd

import (
	"fmt"
	"os"

	"github.com/npezzotti/go-teamchat/internal/config"
	"github.com/npezzotti/go-teamchat/internal/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:   "chatclient",
	Short: "Headless team chat client",
	Long: `chatclient keeps a synchronized view of your chat rooms, prints what
happens in them and sends lines typed on stdin.`,
	SilenceUsage: true,
}

// Execute runs the root command. It is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().String("server", "", "chat server url")
	rootCmd.PersistentFlags().StringP("workspace", "w", "", "workspace to connect to")
	rootCmd.PersistentFlags().String("token", "", "session token (see the login command)")
	rootCmd.PersistentFlags().String("cache-dir", "", "directory for the durable message cache")
	rootCmd.PersistentFlags().String("log-level", "", "log level")

	rootCmd.AddCommand(loginCmd, watchCmd)
}

// loadConfig reads the client configuration, letting flags that were set
// override the file and environment.
func loadConfig(cmd *cobra.Command) (*config.ClientConfig, *zap.Logger, error) {
	if err := config.LoadEnvFile(""); err != nil {
		return nil, nil, err
	}

	v := viper.New()
	for key, flag := range map[string]string{
		"server_url": "server",
		"workspace":  "workspace",
		"token":      "token",
		"cache_dir":  "cache-dir",
		"log_level":  "log-level",
	} {
		if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
			v.Set(key, f.Value.String())
		}
	}

	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadClientConfig(v, configFile)
	if err != nil {
		return nil, nil, err
	}

	log, err := logger.New(cfg.LogLevel, "console")
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}
