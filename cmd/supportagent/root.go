package main

import (
	"fmt"
	"os"

	"github.com/koscakluka/ema-pipeline/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// app carries the global flags and what they resolve to.
type app struct {
	configPath string
	logLevel   string

	cfg config.Config
	log *logrus.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{log: newLogger()}

	cmd := &cobra.Command{
		Use:   "supportagent",
		Short: "Voice customer support agent",
		Long: `supportagent answers customer support questions by voice. It listens with
Deepgram, thinks with an OpenAI compatible model and speaks with Deepgram Aura.

Configuration is read from the file given with --config and from the
environment (OPENAI_API_KEY, DEEPGRAM_API_KEY, SUPPORTAGENT_*).`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.loadConfig()
		},
	}

	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	cmd.AddCommand(
		newServeCmd(a),
		newVoiceCmd(a),
		newConsoleCmd(a),
		newTranscriptsCmd(a),
	)
	return cmd
}

func (a *app) loadConfig() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	a.log.SetLevel(level)
	a.cfg = cfg
	return nil
}

func newLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return log
}
