package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	relayotel "github.com/movingally/smsrelay/internal/otel"
)

// Set with -ldflags "-X github.com/movingally/smsrelay/internal/cmd.Version=..."
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

var tracer = relayotel.Tracer("github.com/movingally/smsrelay/internal/cmd")

var (
	cfgFile   string
	verbose   bool
	logLevel  string
	logFormat string
	otelFlag  bool

	flushTelemetry func(context.Context) error
)

var rootCmd = &cobra.Command{
	Use:   "smsrelay",
	Short: "SMS and WhatsApp support relay for moving leads",
	Long: `smsrelay answers inbound customer text messages for a moving company.

Every message the CRM gateway posts runs one turn: the message is screened,
the conversation policy drafts a reply and may request CRM actions, each
action is checked against the lead's status before it runs, and the turn
is written to a signed audit record.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		log.Logger = newLogger(os.Stderr, viper.GetString("log_level"), viper.GetString("log_format"), viper.GetBool("verbose"))
		if f := viper.ConfigFileUsed(); f != "" {
			log.Debug().Str("file", f).Msg("config_file_loaded")
		}

		shutdown, err := relayotel.Setup("smsrelay", resolvedVersion(), viper.GetBool("otel"))
		if err != nil {
			return fmt.Errorf("initializing OpenTelemetry: %w", err)
		}
		flushTelemetry = shutdown
		return nil
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default: ./smsrelay.config.yaml or ~/.smsrelay/smsrelay.config.yaml)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	pf.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	pf.StringVar(&logFormat, "log-format", "console", "log format (console, json)")
	pf.BoolVar(&otelFlag, "otel", false, "export traces and metrics to stdout")

	for key, flag := range map[string]string{
		"verbose":    "verbose",
		"otel":       "otel",
		"log_level":  "log-level",
		"log_format": "log-format",
	} {
		_ = viper.BindPFlag(key, pf.Lookup(flag))
	}
	_ = viper.BindEnv("otel", "SMSRELAY_OTEL_ENABLED")
}

func initConfig() {
	viper.SetEnvPrefix("SMSRELAY")
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("smsrelay.config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".smsrelay"))
		}
	}
	// Running without a config file is normal; env covers everything.
	_ = viper.ReadInConfig()
}

// newLogger builds the process logger. Output goes to w (stderr in
// production) so stdout stays usable for `audit export | jq`.
func newLogger(w io.Writer, level, format string, debugOn bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if debugOn {
		lvl = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(lvl)

	out := w
	if format != "json" {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen, NoColor: w != os.Stderr}
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

// resolvedVersion prefers the ldflags version, then the module version
// recorded by `go install ...@vX`.
func resolvedVersion() string {
	if Version != "dev" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return Version
}

// Execute runs the CLI and flushes telemetry before returning.
func Execute() error {
	err := rootCmd.Execute()
	if flushTelemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = flushTelemetry(ctx)
	}
	return err
}
