package supportbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/SkyHanniStudios/DiscordBot-sub000/supportbot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// shutdownAnnouncementInterval is how often the remaining time is
// logged while waiting on a graceful shutdown
var shutdownAnnouncementInterval = 10 * time.Second

// Bot is the support bot: the gateway session, the stores behind tags
// and the server directory, the command router, and the background
// workers. Construct it with New, then call Run.
type Bot struct {
	config *Config
	logger *slog.Logger

	db      *gorm.DB
	writeDB DBI

	keywords  *KeywordStore
	directory *DirectoryStore

	registry      *CommandRegistry
	router        *CommandRouter
	classifier    *ModVersionClassifier
	github        GitHubClient
	catalogSource CatalogSource

	discord *Discord
	api     *API

	undo    *undoTable
	pending *pendingMessages
	deleter *delayedDeleter

	artifactQueue  *ArtifactQueue
	artifactWorker *ArtifactWorker

	// background tracks goroutines started by handlers (mod checks,
	// catalog reloads), so shutdown can wait on them
	background *sync.WaitGroup

	// signalStop asks Run to shut down, ex: from the quit endpoint
	signalStop chan struct{}

	// signalReady receives a value once Run has finished starting up
	signalReady chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	startedAt time.Time
}

// New wires up a Bot from config. The database and gateway session
// are opened by Run.
func New(config *Config) (*Bot, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}
	config.Discord.httpClient = config.HTTPClient

	b := &Bot{
		config:      config,
		background:  &sync.WaitGroup{},
		signalStop:  make(chan struct{}, 1),
		signalReady: make(chan struct{}, 1),
	}

	b.logger = slog.New(newLogHandler(config.LogLevel))
	slog.SetDefault(b.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(config.Discord.DiscordGoLogLevel).WithAttrs(
			[]slog.Attr{slog.String(loggerNameKey, "discordgo")},
		),
	)
	b.discord = newDiscord(
		config.Discord,
		newComponentLogger(config.Discord.LogLevel, "discord"),
	)

	gh := newGitHubClient(
		config.GitHub,
		config.HTTPClient,
		slog.New(newLogHandler(config.GitHub.LogLevel)),
	)
	b.github = gh
	b.catalogSource = newRepoCatalogSource(gh, config.ModCatalog, config.ServerCatalog, b.logger)
	b.classifier = NewModVersionClassifier(b.catalogSource, b.logger)

	b.undo = newUndoTable(config.Timing.UndoTTL)
	b.pending = newPendingMessages(config.Timing.PendingMessageTTL)
	b.artifactQueue = NewArtifactQueue(config.Artifacts, b.logger.With(loggerNameKey, "artifact_queue"))

	b.registry = NewCommandRegistry()
	b.router = &CommandRouter{
		registry:   b.registry,
		classifier: b.classifier,
		gate:       NewPermissionGate(config.Discord.StaffRoleIDs, config.Discord.CommandChannelID),
		undo:       b.undo,
		pending:    b.pending,
		config:     config.Discord,
		timing:     config.Timing,
		prPattern:  prURLPattern(config.GitHub.Owner, config.GitHub.Repository),
		botUserID:  config.Discord.ApplicationID,
		logger:     b.logger.With(loggerNameKey, "router"),
		background: b.background,
	}
	errs = append(errs, b.registerCommands())

	if config.API.Enabled {
		api, err := newAPI(b, config.API)
		errs = append(errs, err)
		b.api = api
	}

	return b, errors.Join(errs...)
}

func (b *Bot) ValidateConfig() error {
	return structValidator.Struct(b.config)
}

// RegisterSlashCommands overwrites the guild's slash commands with the
// registered command catalog
func (b *Bot) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	if b.discord.session == nil {
		return nil, errors.New("discord session not initialized")
	}
	return b.discord.registerCommands(b.registry.ApplicationCommands(), options...)
}

// Stop asks Run to shut down. It returns false if a stop was already
// requested.
func (b *Bot) Stop() bool {
	select {
	case b.signalStop <- struct{}{}:
		return true
	default:
		return false
	}
}

// setSession attaches the gateway session to everything that sends
// messages
func (b *Bot) setSession(session DiscordSessionHandler) {
	b.discord.session = session
	b.router.session = session
	b.deleter = newDelayedDeleter(session, b.logger)
	b.router.deleter = b.deleter
	b.artifactWorker = NewArtifactWorker(
		b.artifactQueue,
		b.github,
		session,
		b.config.Artifacts,
		b.logger.With(loggerNameKey, "artifact_worker"),
	)
}

// initStores creates the keyword and directory stores on db and fills
// their caches
func (b *Bot) initStores(ctx context.Context, db *gorm.DB) error {
	b.db = db
	b.writeDB = NewDatabase(db, b.logger, b.config.DatabaseType == dbTypePostgres)

	b.keywords = NewKeywordStore(b.writeDB, b.logger)
	b.directory = NewDirectoryStore(b.writeDB, b.logger)
	b.router.keywords = b.keywords
	b.router.directory = b.directory

	if err := b.keywords.Load(ctx); err != nil {
		return fmt.Errorf("error loading keywords: %w", err)
	}
	if err := b.directory.Load(ctx); err != nil {
		return fmt.Errorf("error loading servers: %w", err)
	}
	servers, aliases := b.directory.Len()
	b.logger.InfoContext(
		ctx,
		"loaded stores",
		"keywords", b.keywords.Len(),
		"servers", servers,
		"aliases", aliases,
	)
	return nil
}

func (b *Bot) initDB(ctx context.Context) error {
	handler := newLogHandler(b.config.DatabaseLogLevel)
	db, err := openDB(
		ctx,
		b.config.DatabaseType,
		b.config.Database,
		newGORMLogger(handler, b.config.DatabaseSlowThreshold),
		slog.New(handler).With(loggerNameKey, "database"),
	)
	if err != nil {
		return err
	}
	return b.initStores(ctx, db)
}

// initDiscordSession creates the gateway session if there isn't one yet,
// and adds the event handlers. Events are dispatched synchronously, so
// message handling happens in the order the gateway delivers them.
func (b *Bot) initDiscordSession(ctx context.Context) error {
	session := b.discord.session
	if session == nil {
		s, err := b.discord.newSession()
		if err != nil {
			return err
		}
		session = s
	}
	b.setSession(session)
	b.discord.removeHandlers()

	session.SetIdentify(
		discordgo.Identify{
			Intents: b.config.Discord.GatewayIntents,
			Presence: discordgo.GatewayStatusUpdate{
				Status: string(discordgo.StatusOnline),
			},
		},
	)

	b.discord.addHandler(b.discord.handlerConnect())
	b.discord.addHandler(b.discord.handlerDisconnect())
	b.discord.addHandler(b.discord.handlerReady())
	b.discord.addHandler(
		func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			if m.Message == nil {
				return
			}
			b.router.HandleMessage(ctx, m.Message)
		},
	)
	b.discord.addHandler(
		func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
			if i.Interaction == nil {
				return
			}
			b.router.HandleInteraction(ctx, i.Interaction)
		},
	)
	return nil
}

// Run starts the bot and blocks until ctx is cancelled or Stop is
// called, then shuts down.
func (b *Bot) Run(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.startedAt = time.Now()
	logger := b.logger

	if err := b.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-b.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	runtimeWG := &sync.WaitGroup{}

	if b.api != nil {
		go func() {
			if err := b.api.Serve(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.ErrorContext(ctx, "error serving api", tint.Err(err))
			}
		}()
	}

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()
	if err := b.initDB(startCtx); err != nil {
		logger.ErrorContext(ctx, "init error", tint.Err(err))
		return fmt.Errorf("error initializing database: %w", err)
	}

	if err := b.initDiscordSession(ctx); err != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		return err
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		b.artifactWorker.Run(ctx)
	}()

	logger.InfoContext(ctx, "connecting to discord")
	if err := b.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		cancel()
		_ = b.shutdown(ctx, runtimeWG)
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	if b.config.Discord.RegisterCommands {
		if _, err := b.RegisterSlashCommands(discordgo.WithContext(startCtx)); err != nil {
			logger.ErrorContext(ctx, "error registering commands", tint.Err(err))
		}
	}

	b.background.Add(1)
	go func() {
		defer b.background.Done()
		if _, err := b.classifier.Reload(ctx); err != nil {
			logger.WarnContext(ctx, "mod catalog not loaded at startup", tint.Err(err))
		}
	}()

	b.signalReady <- struct{}{}
	logger.InfoContext(ctx, "ready")

	<-ctx.Done()
	return b.shutdown(ctx, runtimeWG)
}

// shutdown stops the session, the API and the background work, giving
// up after the configured shutdown timeout
func (b *Bot) shutdown(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	logger := b.logger
	shutdownStart := time.Now()
	shutdownDeadline := shutdownStart.Add(b.config.ShutdownTimeout)
	logger.WarnContext(
		ctx,
		"shutting down",
		"shutdown_timeout", b.config.ShutdownTimeout,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(context.Background(), shutdownDeadline)
	defer closeCancel()

	var errMu sync.Mutex
	var errs []error
	addErr := func(err error) {
		if err == nil {
			return
		}
		errMu.Lock()
		errs = append(errs, err)
		errMu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)

		stopWG := &sync.WaitGroup{}
		if b.discord.session != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				logger.InfoContext(ctx, "closing discord session")
				addErr(b.discord.session.Close())
				b.discord.removeHandlers()
			}()
		}
		if b.api != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				logger.InfoContext(ctx, "stopping http server")
				addErr(b.api.Shutdown(closeCtx))
			}()
		}
		stopWG.Wait()

		runtimeWG.Wait()
		b.background.Wait()

		b.undo.Stop()
		b.pending.Stop()
		if b.deleter != nil {
			if n := b.deleter.Pending(); n > 0 {
				logger.WarnContext(ctx, "cancelling scheduled message deletions", "count", n)
			}
			b.deleter.Stop()
		}
		if n := b.artifactQueue.Len(); n > 0 {
			logger.WarnContext(ctx, "dropping queued artifact jobs", "count", n)
			b.artifactQueue.Clear()
		}
	}()

	ticker := time.NewTicker(shutdownAnnouncementInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			logger.InfoContext(ctx, "shutdown complete", "shutdown_duration", time.Since(shutdownStart))
			errMu.Lock()
			defer errMu.Unlock()
			return errors.Join(errs...)
		case <-ticker.C:
			logger.Warn(fmt.Sprintf("time until hard shutdown: %s", time.Until(shutdownDeadline)))
		case <-closeCtx.Done():
			logger.Warn("did not stop in time, forcing close")
			if b.api != nil {
				go func() {
					_ = b.api.httpServer.Close()
				}()
			}
			return errors.New("shutdown timed out")
		}
	}
}

// handleRecover logs a recovered panic with its stack trace
func handleRecover(ctx context.Context, rc any) {
	logger := loggerFrom(ctx, slog.Default())
	stackTrace := string(debug.Stack())
	switch v := rc.(type) {
	case error:
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(v), "stack_trace", stackTrace)
	case string:
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(errors.New(v)), "stack_trace", stackTrace)
	default:
		logger.ErrorContext(ctx, "recovered from panic", "panic_arg", rc, "stack_trace", stackTrace)
	}
}
