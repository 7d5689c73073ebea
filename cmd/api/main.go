package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat/internal/config"
	"github.com/noah-isme/gema-chat/internal/database"
	"github.com/noah-isme/gema-chat/internal/handler"
	"github.com/noah-isme/gema-chat/internal/middleware"
	"github.com/noah-isme/gema-chat/internal/models"
	"github.com/noah-isme/gema-chat/internal/repository"
	"github.com/noah-isme/gema-chat/internal/router"
	"github.com/noah-isme/gema-chat/internal/service"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	if cfg.AppEnv == "development" {
		logger = logger.Level(zerolog.DebugLevel)
	} else {
		logger = logger.Level(zerolog.InfoLevel)
	}

	db, err := database.Connect(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}

	if err := db.AutoMigrate(&models.User{}, &models.Room{}, &models.RoomParticipant{}, &models.ChatMessage{}); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate database")
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = database.ConnectNATS(cfg.NATSURL, cfg.AppName)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to nats")
		}
		defer natsConn.Close()
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	verifier := middleware.NewJWTVerifier(cfg.JWTSecret)

	chatService := service.NewChatService(service.ChatDependencies{
		Users:     repository.NewUserRepository(db),
		Rooms:     repository.NewRoomRepository(db),
		Messages:  repository.NewChatRepository(db),
		Verifier:  verifier,
		Redis:     redisClient,
		NATS:      natsConn,
		Validator: validate,
		Logger:    logger,
	}, service.ChatConfig{
		DefaultRoomID:   cfg.DefaultRoomID,
		DefaultRoomName: cfg.DefaultRoomName,
		HistoryLimit:    cfg.HistoryLimit,
		TypingTTL:       cfg.TypingTTL,
		SendBufferSize:  cfg.SendBufferSize,
		PingInterval:    cfg.PingInterval,
		ChannelBase:     cfg.ChannelBase,
	})

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 10*time.Second)
	if err := chatService.EnsureDefaultRoom(startupCtx); err != nil {
		cancelStartup()
		logger.Fatal().Err(err).Msg("failed to ensure default room")
	}
	cancelStartup()

	runCtx, stopRelay := context.WithCancel(context.Background())
	defer stopRelay()
	chatService.Start(runCtx)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{
		Logger:       &logger,
		AllowOrigins: cfg.CORSOrigins,
		AccessLog:    cfg.AppEnv == "development",
	})
	router.Register(app, cfg, router.Dependencies{
		ChatHandler:   handler.NewChatHandler(chatService, validate, logger),
		Connections:   chatService,
		JWTMiddleware: middleware.JWTProtected(verifier),
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	logger.Info().Str("address", cfg.HTTPAddress()).Str("database", cfg.DatabaseDriver).Msg("chat server started")
	waitForShutdown(app, cfg.ShutdownDeadline, logger)
}

func waitForShutdown(app *fiber.App, deadline time.Duration, logger zerolog.Logger) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	logger.Info().Msg("server stopped")
}
