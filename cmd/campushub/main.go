package main

import (
	"bytes"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/campushub/campushub/internal/auth"
	"github.com/campushub/campushub/internal/db"
	"github.com/campushub/campushub/internal/gateway"
	"github.com/campushub/campushub/internal/handlers"
	"github.com/campushub/campushub/internal/push"
	"github.com/campushub/campushub/internal/reactions"
	"github.com/campushub/campushub/internal/state"
	"github.com/campushub/campushub/internal/store"
	"github.com/campushub/campushub/pkg/config"
)

func rateLimitMiddleware(limiterInstance *limiter.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		limiterContext, err := limiterInstance.Get(c.Request.Context(), c.ClientIP())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "rate limiter error"})
			c.Abort()
			return
		}

		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", limiterContext.Limit))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", limiterContext.Remaining))
		c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", limiterContext.Reset))

		if limiterContext.Reached {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			c.Abort()
			return
		}

		c.Next()
	}
}

type responseBodyWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w responseBodyWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w responseBodyWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

func serverErrorLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		blw := &responseBodyWriter{body: bytes.NewBuffer(nil), ResponseWriter: c.Writer}
		c.Writer = blw

		c.Next()

		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Printf(
				"HTTP %d %s %s ip=%s duration=%s errors=%q response=%q",
				c.Writer.Status(),
				c.Request.Method,
				c.Request.URL.Path,
				c.ClientIP(),
				time.Since(start).Truncate(time.Millisecond),
				c.Errors.ByType(gin.ErrorTypeAny).String(),
				strings.TrimSpace(blw.body.String()),
			)
		}
	}
}

func panicRecovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		log.Printf(
			"panic recovered method=%s path=%s ip=%s error=%v\n%s",
			c.Request.Method,
			c.Request.URL.Path,
			c.ClientIP(),
			recovered,
			debug.Stack(),
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	})
}

func main() {
	cfg := config.Load()

	if len(os.Args) > 1 {
		if err := runCommand(cfg, os.Args[1:]); err != nil {
			log.Fatalf("%v", err)
		}
		return
	}

	if err := runServer(cfg); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

func runCommand(cfg *config.Config, args []string) error {
	command := args[0]

	switch command {
	case "status":
		return runStatus(cfg, os.Stdout, args[1:])
	case "backfill-pair-keys":
		return runBackfillPairKeys(cfg, os.Stdout, args[1:])
	case "-h", "--help", "help":
		printUsage(os.Stdout)
		return nil
	default:
		printUsage(os.Stderr)
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(out *os.File) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  campushub                      Start the messaging server")
	fmt.Fprintln(out, "  campushub status [--json]      Show application statistics")
	fmt.Fprintln(out, "  campushub backfill-pair-keys   Backfill direct-conversation pair keys")
	fmt.Fprintln(out, "                                 [--dry-run] [--database <path>]")
}

func runServer(cfg *config.Config) error {
	os.MkdirAll("./data", 0755)

	database, err := db.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()
	conn := database.GetConn()

	authSvc := auth.New(conn, cfg.JWTSecret)
	convStore := store.New(conn)
	stateMachine := state.New(conn, convStore)
	ledger := reactions.New(conn, convStore)
	notifier := push.NewNotifier(conn, cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey)

	hub := gateway.NewHub(convStore, stateMachine, ledger, cfg.TypingTTL)
	if notifier != nil {
		hub.SetPushNotifier(notifier)
	}
	go hub.Run()
	go hub.Presence().Run(cfg.SweepInterval)
	defer hub.Presence().Stop()

	authHandler := handlers.NewAuthHandler(authSvc)
	convHandler := handlers.NewConversationHandler(convStore, hub)
	msgHandler := handlers.NewMessageHandler(conn, convStore, stateMachine, ledger, hub, notifier)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(serverErrorLogger())
	router.Use(gin.Logger())
	router.Use(panicRecovery())

	// CORS middleware
	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", cfg.CORSOrigins)
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	api := router.Group("/api")
	{
		loginLimiter := limiter.New(memory.NewStore(), limiter.Rate{Period: time.Minute, Limit: 5})
		registerLimiter := limiter.New(memory.NewStore(), limiter.Rate{Period: time.Minute, Limit: 2})

		api.POST("/auth/register", rateLimitMiddleware(registerLimiter), authHandler.Register)
		api.POST("/auth/login", rateLimitMiddleware(loginLimiter), authHandler.Login)
	}

	protected := api.Group("")
	protected.Use(authHandler.AuthMiddleware())
	{
		protected.GET("/users", msgHandler.GetUsers)

		protected.GET("/conversations", convHandler.List)
		protected.POST("/conversations/direct", convHandler.ResolveDirect)
		protected.POST("/conversations/group", convHandler.CreateGroup)
		protected.GET("/conversations/:id", convHandler.Get)
		protected.POST("/conversations/:id/participants", convHandler.AddParticipant)
		protected.DELETE("/conversations/:id/participants/:userID", convHandler.RemoveParticipant)
		protected.PUT("/conversations/:id/participants/:userID/admin", convHandler.PromoteAdmin)
		protected.POST("/conversations/:id/typing", convHandler.SetTyping)

		protected.GET("/conversations/:id/messages", msgHandler.List)
		protected.POST("/conversations/:id/messages", msgHandler.Send)
		protected.PUT("/messages/:id/delivered", msgHandler.MarkDelivered)
		protected.PUT("/messages/:id/read", msgHandler.MarkRead)
		protected.GET("/messages/:id/status", msgHandler.Status)
		protected.POST("/messages/:id/reactions", msgHandler.ToggleReaction)
		protected.GET("/messages/:id/reactions", msgHandler.Reactions)
		protected.DELETE("/messages/:id", msgHandler.Delete)

		protected.POST("/push/subscribe", msgHandler.SubscribePush)
		protected.POST("/push/unsubscribe", msgHandler.UnsubscribePush)
	}

	router.GET("/ws", authHandler.AuthMiddleware(), hub.HandleWebSocket)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	addr := fmt.Sprintf("0.0.0.0:%s", cfg.Port)
	log.Printf("Starting server on %s", addr)

	sigint := make(chan os.Signal, 1)
	signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigint
		log.Println("\nShutting down gracefully...")
		os.Exit(0)
	}()

	if err := router.Run(addr); err != nil {
		return err
	}

	return nil
}
