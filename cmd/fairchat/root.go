package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"fair-chat/go-client/internal/composition/client"
	"fair-chat/go-client/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "fairchat",
	Short: "Chat client for pay-per-inference solutions on a permanent ledger",
	Long: `fairchat reconstructs conversations with an inference operator from ledger
records, submits new prompts and waits for the operator's responses.`,
	SilenceUsage: true,
}

type globalFlags struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
	Transport  string
}

func (f *globalFlags) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&f.ConfigPath, "config", "", "Path to fairchat.yaml (optional)")
	fs.StringVar(&f.LogLevel, "log-level", "", "Log level (debug,info,warn,error)")
	fs.StringVar(&f.LogFormat, "log-format", "", "Log format (text,json)")
	fs.StringVar(&f.Transport, "transport", "", "Ledger transport override: mock | graphql")
}

// load resolves the configuration and applies command line overrides last.
func (f *globalFlags) load() (config.Config, error) {
	cfg, err := config.LoadFromPath(f.ConfigPath)
	if err != nil {
		return config.Config{}, err
	}
	if f.LogLevel != "" {
		cfg.Log.Level = f.LogLevel
	}
	if f.LogFormat != "" {
		cfg.Log.Format = f.LogFormat
	}
	if f.Transport != "" {
		cfg.Transport = f.Transport
	}
	config.Normalize(&cfg)
	return cfg, nil
}

func (f *globalFlags) runtime() (*client.Runtime, error) {
	cfg, err := f.load()
	if err != nil {
		return nil, err
	}
	return client.Build(cfg, client.NewLogger(cfg.Log, nil))
}

var global = &globalFlags{}

func init() {
	global.BindFlags(rootCmd.PersistentFlags())
}
