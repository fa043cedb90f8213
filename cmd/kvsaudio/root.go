package main

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/spf13/cobra"

	"github.com/zsiec/kvsaudio/internal/config"
	"github.com/zsiec/kvsaudio/internal/observe"
)

// app carries what every subcommand needs once the root command has
// loaded the configuration.
type app struct {
	getenv func(string) string

	configPath string
	logLevel   string
	logFormat  string

	cfg *config.Config
	log *slog.Logger

	awsMu sync.Mutex
	aws   *aws.Config
}

func newRootCmd(getenv func(string) string) *cobra.Command {
	a := &app{getenv: getenv}

	root := &cobra.Command{
		Use:   "kvsaudio",
		Short: "Stream live audio into Kinesis Video Streams",
		Long: `kvsaudio muxes audio into Matroska and streams it to a Kinesis Video
Streams PutMedia endpoint over one long-lived signed connection.

Examples:
  # A 440 Hz mu-law tone into an existing stream
  kvsaudio stream --stream doorbell --codec mulaw

  # AAC audio from a transport stream file, paced in real time
  kvsaudio stream --stream radio --input capture.ts

  # SRT publishers to one KVS stream each
  kvsaudio gateway --config gateway.yaml`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}

	f := root.PersistentFlags()
	f.StringVarP(&a.configPath, "config", "c", "", "YAML configuration file")
	f.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	f.StringVar(&a.logFormat, "log-format", "", "log format: text, json")

	root.AddCommand(
		newStreamCmd(a),
		newGatewayCmd(a),
		newPresignCmd(a),
		newMockCmd(a),
	)
	return root
}

// load reads the configuration and installs the logger. Flag values set on
// subcommands are applied afterwards by each command.
func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	cfg.ApplyEnv(a.getenv)
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Log.Format = a.logFormat
	}

	level, err := observe.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	log, err := observe.NewLogger(cmd.ErrOrStderr(), level, cfg.Log.Format, a.getenv("DEBUG") != "")
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	a.cfg = cfg
	a.log = log
	return nil
}

// validate checks the final configuration after flag overrides.
func (a *app) validate() error {
	if err := a.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}
	return nil
}
