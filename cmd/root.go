package cmd

import (
	"context"
	"fmt"
	"github.com/SkyHanniStudios/DiscordBot-sub000/supportbot"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
	"unicode"
)

var (
	cfg        = supportbot.DefaultConfig()
	configFile string
)

// levelKeys are the settings holding log levels, checked before the
// config is decoded
var levelKeys = []string{
	"log_level",
	"database_log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"github.log_level",
	"api.log_level",
}

var rootCmd = &cobra.Command{
	Use: "supportbot [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					StringToFieldsHookFunc(),
					LevelToStringHookFunc(),
				),
			),
			zeroFields,
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

// zeroFields makes a decode replace lists and sections rather than
// merge into the values already in the config
func zeroFields(c *mapstructure.DecoderConfig) {
	c.ZeroFields = true
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes level names into *slog.LevelVar fields
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setDefaults() {
	viper.SetDefault("database", supportbot.DefaultDatabase)
	viper.SetDefault("database_type", supportbot.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", supportbot.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", supportbot.DefaultDatabaseLogLevel.String())
	viper.SetDefault("log_level", supportbot.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", supportbot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", supportbot.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.command_channel_id", "")
	viper.SetDefault("discord.support_channel_id", "")
	viper.SetDefault("discord.staff_role_ids", []string{})
	viper.SetDefault("discord.command_trigger", supportbot.DefaultCommandTrigger)
	viper.SetDefault("discord.register_commands", false)
	viper.SetDefault("discord.custom_status", supportbot.DefaultDiscordCustomStatus)
	viper.SetDefault("discord.log_level", supportbot.DefaultDiscordLogLevel.String())
	viper.SetDefault("discord.discordgo_log_level", supportbot.DefaultDiscordgoLogLevel.String())
	viper.SetDefault("discord.gateway_intents", supportbot.DefaultDiscordGatewayIntent)

	// Code-hosting API config
	viper.SetDefault("github.token", "")
	viper.SetDefault("github.owner", supportbot.DefaultGitHubOwner)
	viper.SetDefault("github.repository", supportbot.DefaultGitHubRepository)
	viper.SetDefault("github.api_url", supportbot.DefaultGitHubAPIURL)
	viper.SetDefault("github.raw_url", supportbot.DefaultGitHubRawURL)
	viper.SetDefault("github.max_requests_per_second", supportbot.DefaultGitHubMaxRequestsPerSecond)
	viper.SetDefault("github.retry_attempts", supportbot.DefaultGitHubRetryAttempts)
	viper.SetDefault("github.request_timeout", supportbot.DefaultGitHubRequestTimeout)
	viper.SetDefault("github.log_level", supportbot.DefaultGitHubLogLevel.String())

	// Catalogs
	viper.SetDefault("mod_catalog.owner", supportbot.DefaultModCatalogOwner)
	viper.SetDefault("mod_catalog.repository", supportbot.DefaultModCatalogRepository)
	viper.SetDefault("mod_catalog.ref", supportbot.DefaultModCatalogRef)
	viper.SetDefault("mod_catalog.stable_path", supportbot.DefaultModCatalogStablePath)
	viper.SetDefault("mod_catalog.beta_path", supportbot.DefaultModCatalogBetaPath)
	viper.SetDefault("server_catalog.path", supportbot.DefaultServerCatalogPath)

	// Artifact queue
	viper.SetDefault("artifacts.queue_size", supportbot.DefaultArtifactQueueSize)
	viper.SetDefault("artifacts.max_age", supportbot.DefaultArtifactQueueMaxAge)
	viper.SetDefault("artifacts.max_file_size", supportbot.DefaultArtifactMaxFileSize)

	// Timing
	viper.SetDefault("timing.undo_ttl", supportbot.DefaultUndoTTL)
	viper.SetDefault("timing.tutorial_delete_delay", supportbot.DefaultTutorialDeleteDelay)
	viper.SetDefault("timing.placeholder_delete_delay", supportbot.DefaultPlaceholderDeleteDelay)
	viper.SetDefault("timing.pending_message_ttl", supportbot.DefaultPendingMessageTTL)

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", supportbot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.log_level", supportbot.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", supportbot.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", supportbot.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", supportbot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", supportbot.DefaultIdleTimeout)
	viper.SetDefault("api.ssl.cert", "")
	viper.SetDefault("api.ssl.key", "")
	viper.SetDefault("api.ssl.tls_min_version", supportbot.DefaultAPITLSMinVersion)

	// API: CORS config
	viper.SetDefault("api.cors.allow_headers", supportbot.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", supportbot.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.expose_headers", supportbot.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", supportbot.DefaultCORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", supportbot.DefaultAPICORSAllowCredentials)
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	setDefaults()

	envPrefix := os.Getenv(supportbot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = supportbot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	for _, key := range levelKeys {
		if _, err := getLogLevel(viper.GetString(key)); err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
	}
}

// StringToFieldsHookFunc splits strings decoded into []string fields on
// commas and whitespace, so lists can be set from the environment
func StringToFieldsHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t != reflect.TypeOf([]string{}) {
			return data, nil
		}
		return strings.FieldsFunc(
			data.(string), func(r rune) bool {
				return r == ',' || unicode.IsSpace(r)
			},
		), nil
	}
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
