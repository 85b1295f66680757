package supportbot

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	pprofPrefix             = "/debug"
	apiPrefix               = "/api"
	apiHealthCheck          = "/healthz"
	apiPathKeywords         = "/keywords"
	apiPathServers          = "/servers"
	apiPathServerDuplicates = "/servers/duplicates"
	apiPathCatalog          = "/catalog"
	apiPathCatalogReload    = "/catalog/reload"
	apiPathRegisterCommands = "/discord/register_commands"
	apiPathQuit             = "/quit"
)

const (
	xRequestIDHeader = "X-Request-ID"
	bearerPrefix     = "Bearer "
)

var (
	structValidator = validator.New()
)

// API serves health and admin endpoints for the bot
type API struct {
	config     *APIConfig
	httpServer *http.Server
	listener   net.Listener
	engine     *gin.Engine
	logger     *slog.Logger
	handlers   *APIHandlers
}

func newAPI(b *Bot, config *APIConfig) (*API, error) {
	logger := newComponentLogger(config.LogLevel, "api")

	if !config.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	api := &API{
		config: config,
		engine: r,
		logger: logger,
	}

	var tlsCfg *tls.Config
	if config.SSL.Cert != "" {
		var err error
		tlsCfg, err = tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && config.Development {
		corsConfig.AllowOrigins = []string{"*"}
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
		cors.New(corsConfig),
	)

	handlers := &APIHandlers{b: b, logger: logger}
	api.handlers = handlers

	r.GET(apiHealthCheck, handlers.healthCheck)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	protected := r.Group(apiPrefix)
	protected.Use(bearerAuthMiddleware(config.Secret))

	protected.GET(apiPathKeywords, handlers.getKeywords)
	protected.GET(apiPathServers, handlers.getServers)
	protected.GET(apiPathServerDuplicates, handlers.getServerDuplicates)
	protected.GET(apiPathCatalog, handlers.getCatalog)
	protected.POST(apiPathCatalogReload, handlers.reloadCatalog)
	protected.POST(apiPathRegisterCommands, handlers.discordRegisterCommands)
	protected.POST(apiPathQuit, handlers.botQuit)

	return api, nil
}

// Serve listens on the configured address until the server is shut
// down. TLS is used if a cert is configured.
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "serving api", "addr", a.listener.Addr().String())
	return a.httpServer.Serve(a.listener)
}

func (a *API) Shutdown(ctx context.Context) error {
	return a.httpServer.Shutdown(ctx)
}

// APIHandlers holds the handlers for the API routes
type APIHandlers struct {
	b      *Bot
	logger *slog.Logger
}

type httpReply struct {
	Message string `json:"message"`
}

type httpError struct {
	Error string `json:"error"`
}

type healthCheckResponse struct {
	DiscordGatewayConnected bool       `json:"discord_gateway_connected"`
	Keywords                int        `json:"keywords"`
	Servers                 int        `json:"servers"`
	ServerAliases           int        `json:"server_aliases"`
	ArtifactQueue           int        `json:"artifact_queue"`
	CatalogLoadedAt         *time.Time `json:"catalog_loaded_at"`
	CatalogReloading        bool       `json:"catalog_reloading"`
	StartedAt               time.Time  `json:"started_at"`
}

type keywordResponse struct {
	Keyword  string `json:"keyword"`
	Response string `json:"response"`
}

type catalogReloadResponse struct {
	Entries  int       `json:"entries"`
	Mods     int       `json:"mods"`
	LoadedAt time.Time `json:"loaded_at"`
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	servers, aliases := h.b.directory.Len()
	resp := healthCheckResponse{
		DiscordGatewayConnected: h.b.discord.connected.Load(),
		Keywords:                h.b.keywords.Len(),
		Servers:                 servers,
		ServerAliases:           aliases,
		ArtifactQueue:           h.b.artifactQueue.Len(),
		CatalogReloading:        h.b.classifier.Reloading(),
		StartedAt:               h.b.startedAt,
	}
	if catalog := h.b.classifier.Catalog(); catalog != nil {
		loadedAt := catalog.LoadedAt
		resp.CatalogLoadedAt = &loadedAt
	}
	c.JSON(http.StatusOK, resp)
}

func (h *APIHandlers) getKeywords(c *gin.Context) {
	keywords := h.b.keywords.List()
	resp := make([]keywordResponse, 0, len(keywords))
	for _, k := range keywords {
		response, ok := h.b.keywords.Get(k)
		if !ok {
			continue
		}
		resp = append(resp, keywordResponse{Keyword: k, Response: response})
	}
	c.JSON(http.StatusOK, resp)
}

func (h *APIHandlers) getServers(c *gin.Context) {
	c.JSON(http.StatusOK, h.b.directory.List())
}

func (h *APIHandlers) getServerDuplicates(c *gin.Context) {
	groups := h.b.directory.Duplicates()
	if groups == nil {
		groups = []DuplicateGroup{}
	}
	c.JSON(http.StatusOK, groups)
}

func (h *APIHandlers) getCatalog(c *gin.Context) {
	catalog := h.b.classifier.Catalog()
	if catalog == nil {
		c.JSON(http.StatusNotFound, httpError{Error: "mod catalog not loaded"})
		return
	}
	c.JSON(http.StatusOK, catalog)
}

// reloadCatalog reloads the mod catalog. It responds 409 if a reload
// is already running.
func (h *APIHandlers) reloadCatalog(c *gin.Context) {
	logger := ginContextLogger(c)
	catalog, err := h.b.classifier.Reload(c.Request.Context())
	switch {
	case errors.Is(err, ErrReloadInProgress):
		c.JSON(http.StatusConflict, httpError{Error: "reload already in progress"})
	case err != nil:
		logger.Error("error reloading catalog", tint.Err(err))
		c.JSON(http.StatusBadGateway, httpError{Error: "error loading mod catalog"})
	default:
		c.JSON(
			http.StatusOK, catalogReloadResponse{
				Entries:  len(catalog.Entries),
				Mods:     catalog.ModCount(),
				LoadedAt: catalog.LoadedAt,
			},
		)
	}
}

func (h *APIHandlers) discordRegisterCommands(c *gin.Context) {
	logger := ginContextLogger(c)
	logger.Info("registering commands")

	created, err := h.b.RegisterSlashCommands()
	if err != nil {
		logger.Error("error registering commands", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "error registering commands"})
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *APIHandlers) botQuit(c *gin.Context) {
	logger := ginContextLogger(c)
	logger.Warn("sending stop signal")
	if !h.b.Stop() {
		c.JSON(http.StatusConflict, httpError{Error: "already stopping"})
		return
	}
	ginReplyMessage(c, "quitting")
}

// bearerAuthMiddleware rejects requests without the configured secret
// as a bearer token. With no secret configured, every request is
// rejected.
func bearerAuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, bearerPrefix)
		if secret == "" || !ok ||
			subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			ginContextLogger(c).Warn("unauthorized request")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		c.Next()
	}
}

// requestIDMiddleware assigns a random ID to each request, and echoes
// it in the response headers
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the request logger set on the gin context,
// creating it with the request details if it doesn't exist yet.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(string(loggerContextKey)); ok {
		if logger, ok := v.(*slog.Logger); ok {
			return logger
		}
	}
	base := slog.Default()
	if v, ok := c.Get(string(apiLoggerContextKey)); ok {
		if logger, ok := v.(*slog.Logger); ok {
			base = logger
		}
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}
	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

const apiLoggerContextKey contextKey = "api_logger"

// ginLoggingMiddleware logs each request once it's finished
func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Set(string(apiLoggerContextKey), logger)
		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs.Errors(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

func init() {
	structValidator.SetTagName("binding")
}
