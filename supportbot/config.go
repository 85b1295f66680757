//nolint:lll // struct tags can't be split
package supportbot

import (
	"crypto/tls"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"log/slog"
	"net/http"
	"time"
)

const (
	EnvvarSetEnvPrefix     = "SUPPORTBOT_ENV_PREFIX"
	DefaultEnvPrefix       = "SB"
	DefaultDatabaseType    = "sqlite"
	DefaultDatabase        = "supportbot.sqlite3"
	DefaultLogLevel        = slog.LevelInfo
	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DefaultCommandTrigger       = "!"
	DefaultDiscordGatewayIntent = discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent | discordgo.IntentsGuilds
	DefaultDiscordLogLevel      = slog.LevelInfo
	DefaultDiscordgoLogLevel    = slog.LevelWarn
	DefaultDiscordCustomStatus  = "!help"
	discordMaxMessageLength     = 2000

	DefaultGitHubAPIURL               = "https://api.github.com"
	DefaultGitHubRawURL               = "https://raw.githubusercontent.com"
	DefaultGitHubOwner                = "hannibal002"
	DefaultGitHubRepository           = "SkyHanni"
	DefaultGitHubMaxRequestsPerSecond = 2.0
	DefaultGitHubRetryAttempts        = 3
	DefaultGitHubRequestTimeout       = 30 * time.Second
	DefaultGitHubLogLevel             = slog.LevelInfo

	DefaultModCatalogOwner      = "SkyHanniStudios"
	DefaultModCatalogRepository = "SkyHanni-REPO"
	DefaultModCatalogRef        = "main"
	DefaultModCatalogStablePath = "constants/mods/stable.json"
	DefaultModCatalogBetaPath   = "constants/mods/beta.json"
	DefaultServerCatalogPath    = "constants/servers.json"

	DefaultArtifactQueueSize   = 10
	DefaultArtifactQueueMaxAge = 5 * time.Minute
	DefaultArtifactMaxFileSize = 25 * 1024 * 1024

	DefaultUndoTTL                = 5 * time.Minute
	DefaultTutorialDeleteDelay    = 30 * time.Second
	DefaultPlaceholderDeleteDelay = 10 * time.Second
	DefaultPendingMessageTTL      = 30 * time.Second

	DefaultAPIListen               = "127.0.0.1:5000"
	DefaultAPITLSMinVersion        = tls.VersionTLS12
	DefaultAPICORSAllowCredentials = false

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelWarn
	DefaultAPILogLevel           = slog.LevelInfo
	defaultListenNetwork         = "tcp"
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// Database connection string
	Database string `yaml:"database" mapstructure:"database" json:"database" binding:"required"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// open the database and warm its caches.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`

	GitHub *GitHubConfig `yaml:"github" mapstructure:"github" json:"github" binding:"required"`

	ModCatalog *ModCatalogConfig `yaml:"mod_catalog" mapstructure:"mod_catalog" json:"mod_catalog" binding:"required"`

	ServerCatalog *ServerCatalogConfig `yaml:"server_catalog" mapstructure:"server_catalog" json:"server_catalog"`

	Artifacts *ArtifactConfig `yaml:"artifacts" mapstructure:"artifacts" json:"artifacts" binding:"required"`

	Timing *TimingConfig `yaml:"timing" mapstructure:"timing" json:"timing" binding:"required"`

	// API configures the admin API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api" binding:"required"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID. This is also the bot's user ID, which is
	// used to recognize the bot's own messages.
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID is the only guild the bot answers in. Slash commands are
	// registered to this guild.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id" binding:"required"`

	// CommandChannelID is the designated channel, the only place where
	// mutating staff commands are accepted.
	CommandChannelID string `yaml:"command_channel_id" mapstructure:"command_channel_id" json:"command_channel_id"`

	// StaffRoleIDs are the role IDs allowed to run staff commands
	StaffRoleIDs []string `yaml:"staff_role_ids" mapstructure:"staff_role_ids" json:"staff_role_ids"`

	// SupportChannelID receives unknown mod/version notifications
	SupportChannelID string `yaml:"support_channel_id" mapstructure:"support_channel_id" json:"support_channel_id"`

	// CommandTrigger is the prefix for text commands
	CommandTrigger string `yaml:"command_trigger" mapstructure:"command_trigger" json:"command_trigger" binding:"required,len=1"`

	// RegisterCommands overwrites the guild's slash commands on startup
	RegisterCommands bool `yaml:"register_commands" mapstructure:"register_commands" json:"register_commands"`

	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// GitHubConfig configures access to the code-hosting REST API
type GitHubConfig struct {
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]"`

	// Owner and Repository identify the repository PR numbers refer to
	Owner      string `yaml:"owner" mapstructure:"owner" json:"owner" binding:"required"`
	Repository string `yaml:"repository" mapstructure:"repository" json:"repository" binding:"required"`

	APIURL string `yaml:"api_url" mapstructure:"api_url" json:"api_url" binding:"required,url"`
	RawURL string `yaml:"raw_url" mapstructure:"raw_url" json:"raw_url" binding:"required,url"`

	MaxRequestsPerSecond float64       `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second" binding:"gt=0"`
	RetryAttempts        uint          `yaml:"retry_attempts" mapstructure:"retry_attempts" json:"retry_attempts" binding:"min=1"`
	RequestTimeout       time.Duration `yaml:"request_timeout" mapstructure:"request_timeout" json:"request_timeout" binding:"min=1s"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// ModCatalogConfig locates the stable and beta mod version feeds
type ModCatalogConfig struct {
	Owner      string `yaml:"owner" mapstructure:"owner" json:"owner" binding:"required"`
	Repository string `yaml:"repository" mapstructure:"repository" json:"repository" binding:"required"`
	Ref        string `yaml:"ref" mapstructure:"ref" json:"ref" binding:"required"`
	StablePath string `yaml:"stable_path" mapstructure:"stable_path" json:"stable_path" binding:"required"`
	BetaPath   string `yaml:"beta_path" mapstructure:"beta_path" json:"beta_path" binding:"required"`
}

// ServerCatalogConfig locates the server directory import file, which
// lives in the same repository as the mod catalog.
type ServerCatalogConfig struct {
	Path string `yaml:"path" mapstructure:"path" json:"path"`
}

// ArtifactConfig configures the artifact download worker queue.
type ArtifactConfig struct {
	// Maximum queue size
	QueueSize int `yaml:"queue_size" mapstructure:"queue_size" json:"queue_size" binding:"min=1"`

	// Jobs older than this are discarded. 0=unlimited
	MaxAge time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age" binding:"min=0"`

	// Extracted files larger than this are not uploaded
	MaxFileSize int64 `yaml:"max_file_size" mapstructure:"max_file_size" json:"max_file_size" binding:"min=1"`
}

// TimingConfig holds the lifetimes of the bot's short-lived bookkeeping.
type TimingConfig struct {
	// How long a tag reply can be removed with the undo command
	UndoTTL time.Duration `yaml:"undo_ttl" mapstructure:"undo_ttl" json:"undo_ttl" binding:"min=1s"`

	// Delay before the "use the command next time" nudge is deleted
	TutorialDeleteDelay time.Duration `yaml:"tutorial_delete_delay" mapstructure:"tutorial_delete_delay" json:"tutorial_delete_delay"`

	// Delay before placeholder replies (ex: nothing to undo) are deleted
	PlaceholderDeleteDelay time.Duration `yaml:"placeholder_delete_delay" mapstructure:"placeholder_delete_delay" json:"placeholder_delete_delay"`

	// How long to wait for the gateway to echo one of the bot's own
	// messages back before dropping the pending callback
	PendingMessageTTL time.Duration `yaml:"pending_message_ttl" mapstructure:"pending_message_ttl" json:"pending_message_ttl" binding:"min=1s"`
}

// APIConfig configures the admin API server
type APIConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"omitempty,oneof=tcp tcp4 tcp6 unix"`

	// Bearer token required on /api routes
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]" binding:"required_if=Enabled true"`

	// Configuration for SSL/TLS. Plain HTTP is served if no cert is set.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`

	// Enables pprof routes and permissive CORS
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     append([]string(nil), DefaultCORSAllowMethods...),
		AllowHeaders:     append([]string(nil), DefaultCORSAllowHeaders...),
		ExposeHeaders:    append([]string(nil), DefaultCORSExposeHeaders...),
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}
	githubLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)
	githubLogLevel.Set(DefaultGitHubLogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Discord: &DiscordConfig{
			CommandTrigger:    DefaultCommandTrigger,
			CustomStatus:      DefaultDiscordCustomStatus,
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			StaffRoleIDs:      []string{},
		},
		GitHub: &GitHubConfig{
			Owner:                DefaultGitHubOwner,
			Repository:           DefaultGitHubRepository,
			APIURL:               DefaultGitHubAPIURL,
			RawURL:               DefaultGitHubRawURL,
			MaxRequestsPerSecond: DefaultGitHubMaxRequestsPerSecond,
			RetryAttempts:        DefaultGitHubRetryAttempts,
			RequestTimeout:       DefaultGitHubRequestTimeout,
			LogLevel:             githubLogLevel,
		},
		ModCatalog: &ModCatalogConfig{
			Owner:      DefaultModCatalogOwner,
			Repository: DefaultModCatalogRepository,
			Ref:        DefaultModCatalogRef,
			StablePath: DefaultModCatalogStablePath,
			BetaPath:   DefaultModCatalogBetaPath,
		},
		ServerCatalog: &ServerCatalogConfig{
			Path: DefaultServerCatalogPath,
		},
		Artifacts: &ArtifactConfig{
			QueueSize:   DefaultArtifactQueueSize,
			MaxAge:      DefaultArtifactQueueMaxAge,
			MaxFileSize: DefaultArtifactMaxFileSize,
		},
		Timing: &TimingConfig{
			UndoTTL:                DefaultUndoTTL,
			TutorialDeleteDelay:    DefaultTutorialDeleteDelay,
			PlaceholderDeleteDelay: DefaultPlaceholderDeleteDelay,
			PendingMessageTTL:      DefaultPendingMessageTTL,
		},
		API: &APIConfig{
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultAPITLSMinVersion,
			},
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			CORS:              DefaultCORSConfig(),
		},
	}
}
