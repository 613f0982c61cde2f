package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"callbridge/internal/auth"
	"callbridge/internal/calllog"
	"callbridge/internal/callmgr"
	"callbridge/internal/config"
	"callbridge/internal/conversation"
	"callbridge/internal/escalation"
	"callbridge/internal/history"
	"callbridge/internal/httpapi"
	"callbridge/internal/providers"
	"callbridge/internal/security"
	"callbridge/internal/sessions"
	"callbridge/internal/terminal"
	"callbridge/internal/tunnel"
	"callbridge/pkg/logger"
	"callbridge/pkg/utils"
)

func main() {
	printToken := flag.Bool("print-operator-token", false, "print a fresh operator bearer token and exit")
	flag.Parse()

	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	var operatorMW gin.HandlerFunc = auth.RequireOperator(nil)
	var authManager *auth.Manager
	if cfg.Operator.JWTSecret != "" {
		authManager, err = auth.NewManager(cfg.Operator.JWTSecret, 24*time.Hour)
		if err != nil {
			log.Error("auth init failed", "err", err)
			os.Exit(1)
		}
		operatorMW = auth.RequireOperator(authManager)
	}

	if *printToken {
		if authManager == nil {
			fmt.Fprintln(os.Stderr, "OPERATOR_JWT_SECRET is not set; endpoints are open")
			os.Exit(1)
		}
		token, err := authManager.Issue(time.Now(), "operator")
		if err != nil {
			fmt.Fprintln(os.Stderr, "token issuance failed:", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	verifier, err := security.NewVerifier(cfg.Phone.PublicKey)
	if err != nil {
		log.Error("webhook verifier init failed", "err", err)
		os.Exit(1)
	}

	phone, err := providers.NewPhoneClient(providers.PhoneConfig{
		APIKey:  cfg.Phone.APIKey,
		BaseURL: cfg.Phone.BaseURL,
	})
	if err != nil {
		log.Error("phone client init failed", "err", err)
		os.Exit(1)
	}
	tts, err := providers.NewTTSClient(providers.TTSConfig{
		APIKey: cfg.Speech.TTSAPIKey,
		Voice:  cfg.Speech.TTSVoice,
		Model:  cfg.Speech.TTSModel,
	})
	if err != nil {
		log.Error("tts client init failed", "err", err)
		os.Exit(1)
	}
	stt, err := providers.NewSTTClient(providers.STTConfig{
		APIKey: cfg.Speech.STTAPIKey,
		WSURL:  cfg.Speech.STTWSURL,
	})
	if err != nil {
		log.Error("stt client init failed", "err", err)
		os.Exit(1)
	}
	llm, err := providers.NewLLMClient(providers.LLMConfig{
		APIKey:  cfg.LLM.APIKey,
		BaseURL: cfg.LLM.BaseURL,
		Model:   cfg.LLM.Model,
	})
	if err != nil {
		log.Error("llm client init failed", "err", err)
		os.Exit(1)
	}

	// Call records go to Postgres when configured, memory otherwise.
	var callRepo calllog.Repository = calllog.NewMemoryRepo()
	if cfg.UsePostgres() {
		db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
		if err != nil {
			log.Error("postgres init failed", "err", err)
			os.Exit(1)
		}
		defer db.Close()
		callRepo = calllog.NewPostgresRepo(db)
	}
	records := calllog.NewService(callRepo, log)

	// Call history (rate limiting) and the concurrent-call cap go to Redis
	// when configured so both survive restarts.
	var hist history.Store = history.NewMemoryStore()
	var rdb *redis.Client
	if cfg.UseRedis() {
		rdb, err = utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
		if err != nil {
			log.Error("redis init failed", "err", err)
			os.Exit(1)
		}
		defer rdb.Close()
		hist = history.NewRedisStore(rdb)
	}

	tun, err := tunnel.NewManager(tunnel.Config{
		AgentURL:  cfg.Tunnel.AgentURL,
		AuthToken: cfg.Tunnel.AuthToken,
	}, log)
	if err != nil {
		log.Error("tunnel init failed", "err", err)
		os.Exit(1)
	}
	if err := tun.Start(rootCtx); err != nil {
		log.Error("tunnel start failed", "err", err)
		os.Exit(1)
	}
	defer tun.Stop()
	log.Info("tunnel established", "public_url", tun.PublicURL())

	mgr, err := callmgr.NewManager(callmgr.Config{
		ToNumber:   cfg.Phone.ToNumber,
		FromNumber: cfg.Phone.FromNumber,
	}, callmgr.Deps{
		Phone:     phone,
		TTS:       tts,
		STT:       stt,
		Verifier:  verifier,
		Records:   records,
		PublicURL: tun.PublicURL,
		Log:       log,
	})
	if err != nil {
		log.Error("call manager init failed", "err", err)
		os.Exit(1)
	}

	tracker := sessions.NewTracker()
	conv := conversation.NewService(mgr, llm, terminal.NewTmuxDeliverer(), tracker, cfg.Scripts, log)

	var judge escalation.Judge
	if cfg.Escalation.UseJudge {
		judge = llm
	}
	evaluator := escalation.NewEvaluator(escalation.Config{
		Enabled:             cfg.Escalation.Enabled,
		Events:              cfg.Escalation.Events,
		AlwaysCallPatterns:  cfg.Escalation.AlwaysCallPatterns,
		UseJudge:            cfg.Escalation.UseJudge,
		NotificationTimeout: cfg.Escalation.NotificationTimeout,
		QuietHoursStart:     cfg.Escalation.QuietHoursStart,
		QuietHoursEnd:       cfg.Escalation.QuietHoursEnd,
		QuietHoursTZ:        cfg.Escalation.QuietHoursTZ,
		MinCallInterval:     cfg.Escalation.MinCallInterval,
		MaxCallsPerHour:     cfg.Escalation.MaxCallsPerHour,
	}, judge, log)

	intake := httpapi.Handlers{
		Evaluator:          evaluator,
		History:            hist,
		Conversations:      conv,
		Tracker:            tracker,
		Redis:              rdb,
		MaxConcurrentCalls: cfg.Escalation.MaxConcurrentCalls,
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	mgr.RegisterRoutes(r, operatorMW)
	conv.RegisterRoutes(r, operatorMW)
	intake.RegisterRoutes(r, operatorMW)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Media sockets hijack the connection, so a long write timeout
		// only bounds the plain JSON endpoints.
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("callbridge listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	// Say goodbye on live calls before the listener goes away.
	mgr.Drain(shutdownCtx, cfg.Scripts.Goodbye)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}
