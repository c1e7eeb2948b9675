package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"node.town/scribe/config"
	"node.town/scribe/discordbot"
	"node.town/scribe/metrics"
	"node.town/scribe/setup"
	"node.town/scribe/stt"
	"node.town/scribe/www"
)

var (
	logger       *log.Logger
	settingsFile string
)

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().
		StringVar(&settingsFile, "settings", config.SettingsFile, "Settings file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level")

	discordCmd.Flags().String("discord-token", "", "Discord bot token")
	discordCmd.Flags().String("wit-ai-token", "", "wit.ai server access token")
	discordCmd.Flags().String("prefix", "!", "Command prefix")
	discordCmd.Flags().String("data-dir", "data", "Directory for debug recordings")
	discordCmd.Flags().
		String("metrics-addr", "", "Serve /metrics, /healthz and /sessions on this address")

	// Bind flags to viper
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("discord_token", discordCmd.Flags().Lookup("discord-token"))
	viper.BindPFlag("wit_ai_token", discordCmd.Flags().Lookup("wit-ai-token"))
	viper.BindPFlag("prefix", discordCmd.Flags().Lookup("prefix"))
	viper.BindPFlag("data_dir", discordCmd.Flags().Lookup("data-dir"))
	viper.BindPFlag("metrics_addr", discordCmd.Flags().Lookup("metrics-addr"))

	rootCmd.AddCommand(discordCmd)
	rootCmd.AddCommand(setupCmd)
}

func initConfig() {
	// .env is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Printf("Error reading .env file: %s\n", err)
	}

	logger = log.New(os.Stdout)
}

var rootCmd = &cobra.Command{
	Use:   "scribe",
	Short: "Scribe transcribes Discord voice channels into text channels",
	Long:  `Scribe is a Discord bot that listens to a voice channel and posts what people say, as text, to a text channel.`,
}

var discordCmd = &cobra.Command{
	Use:   "discord",
	Short: "Start the Discord bot",
	Run:   runDiscord,
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Store the Discord and wit.ai secrets in the settings file",
	Run: func(cmd *cobra.Command, args []string) {
		mainLogger, _, _, _ := createLoggers(viper.GetString("log_level"))
		if err := setup.RunSetup(settingsFile, mainLogger); err != nil {
			mainLogger.Fatal("setup", "error", err)
		}
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runDiscord(cmd *cobra.Command, args []string) {
	v := viper.GetViper()
	setupErr := config.Setup(v, settingsFile)

	mainLogger, discordLogger, hearLogger, webLogger := createLoggers(
		v.GetString("log_level"),
	)
	if setupErr != nil {
		mainLogger.Fatal("read settings", "error", setupErr)
	}

	cfg, err := config.Load(v)
	var cfgErr *config.ConfigError
	if errors.As(err, &cfgErr) && len(cfgErr.Missing) > 0 {
		mainLogger.Fatal(
			"missing secrets, run `scribe setup` or set DISCORD_TOK and WITAPIKEY",
			"missing", strings.Join(cfgErr.Missing, ","),
		)
	}
	if err != nil {
		mainLogger.Fatal("load configuration", "error", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		mainLogger.Fatal("create data directory", "error", err, "dir", cfg.DataDir)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	wit, err := stt.NewWitClient(stt.WitOptions{
		Token:   cfg.WitAIToken,
		BaseURL: cfg.WitAPIURL,
		Version: cfg.WitAPIVersion,
		Log:     hearLogger,
	})
	if err != nil {
		mainLogger.Fatal("create wit.ai client", "error", err)
	}

	// One limiter for the whole process; the quota is per token.
	transcriber := stt.NewRateLimited(wit, stt.RateLimitOptions{
		MinInterval: cfg.MinInterval,
		Timeout:     cfg.TranscribeTimeout,
		Log:         hearLogger,
		Metrics:     m,
	})

	discord, err := discordbot.NewDiscordSession(cfg.DiscordToken)
	if err != nil {
		mainLogger.Fatal("error creating Discord session", "error", err)
	}

	bot, err := discordbot.NewBot(discordbot.BotOptions{
		Discord:        discord,
		Log:            discordLogger,
		Metrics:        m,
		Transcriber:    transcriber,
		Languages:      wit,
		Prefix:         cfg.Prefix,
		DataDir:        cfg.DataDir,
		MinDuration:    cfg.MinUtterance,
		MaxDuration:    cfg.MaxUtterance,
		SilenceTimeout: cfg.SilenceTimeout,
	})
	if err != nil {
		mainLogger.Fatal("start discord bot", "error", err)
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	if cfg.MetricsAddr != "" {
		router := www.NewRouter(webLogger, registry, bot.Sessions())
		g.Go(func() error {
			return www.Serve(ctx, cfg.MetricsAddr, router, webLogger)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		mainLogger.Info("shutting down")
		return bot.Close()
	})

	if err := g.Wait(); err != nil {
		mainLogger.Error("shutdown", "error", err)
		os.Exit(1)
	}
}

func createLoggers(level string) (mainLogger, discordLogger, hearLogger, webLogger *log.Logger) {
	logLevel, err := log.ParseLevel(level)
	if err != nil {
		logLevel = log.InfoLevel
	}

	logger.SetLevel(logLevel)
	logger.SetReportCaller(logLevel == log.DebugLevel)
	logger.SetCallerFormatter(
		func(file string, line int, funcName string) string {
			path, err := filepath.Rel(".", file)
			if err != nil {
				path = file
			}
			return fmt.Sprintf("%s:%d", path, line)
		},
	)

	styles := log.DefaultStyles()
	styles.Prefix = styles.Prefix.MarginTop(1).
		Bold(false).Transform(func(s string) string {
		return strings.TrimSuffix(s, ":")
	})
	styles.Levels[log.InfoLevel] = styles.Levels[log.InfoLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Levels[log.ErrorLevel] = styles.Levels[log.ErrorLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Message = styles.Message.Bold(true).Width(24)
	styles.Key = styles.Key.MarginLeft(1).
		Bold(false).
		Foreground(lipgloss.Color("#ff8800"))

	logger.SetStyles(styles)

	if err != nil {
		logger.Warn("unknown log level, using info", "level", level)
	}

	mainLogger = logger.With().WithPrefix("main")
	discordLogger = logger.With().WithPrefix("chat")
	hearLogger = logger.With().WithPrefix("hear")
	webLogger = logger.With().WithPrefix("web")

	return
}
