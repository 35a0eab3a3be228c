package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/studyloop/studyloop-backend/internal/agent"
	redisclient "github.com/studyloop/studyloop-backend/internal/clients/redis"
	"github.com/studyloop/studyloop-backend/internal/db"
	"github.com/studyloop/studyloop-backend/internal/handlers"
	"github.com/studyloop/studyloop-backend/internal/jobs"
	"github.com/studyloop/studyloop-backend/internal/jobs/runtime"
	"github.com/studyloop/studyloop-backend/internal/logger"
	"github.com/studyloop/studyloop-backend/internal/middleware"
	"github.com/studyloop/studyloop-backend/internal/platform/openai"
	"github.com/studyloop/studyloop-backend/internal/repos"
	"github.com/studyloop/studyloop-backend/internal/server"
	"github.com/studyloop/studyloop-backend/internal/services"
	"github.com/studyloop/studyloop-backend/internal/sse"
	"github.com/studyloop/studyloop-backend/internal/utils"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	if err = postgresService.AutoMigrateAll(); err != nil {
		log.Warn("Postgres auto migration failed", "error", err)
	}
	thePG := postgresService.DB()

	// Repos
	log.Info("Setting up repos from main...")
	courseRepo := repos.NewCourseRepo(thePG, log)
	lessonRepo := repos.NewLessonRepo(thePG, log)
	sectionRepo := repos.NewSectionRepo(thePG, log)
	jobRepo := repos.NewGenerationJobRepo(thePG, log)

	// SSE + cross-instance fanout
	log.Info("Setting up SSE hub from main...")
	sseHub := sse.NewSSEHub(log)
	var jobBus redisclient.JobBus
	jobBus, err = redisclient.NewJobBus(log)
	if err != nil {
		log.Warn("Job bus unavailable, SSE stays instance-local", "error", err)
		jobBus = nil
	} else {
		if err := jobBus.StartForwarder(context.Background(), func(m sse.SSEMessage) {
			sseHub.Broadcast(m)
		}); err != nil {
			log.Warn("Job bus forwarder failed to start", "error", err)
		}
	}

	// LLM client
	openaiClient, err := openai.NewClient(log)
	if err != nil {
		log.Error("Could not init OpenAI client", "error", err)
		os.Exit(1)
	}

	// Services
	log.Info("Setting up services from main...")
	notifier := services.NewJobNotifier(sseHub, jobBus, log)
	jobStore := jobs.NewGenerationJobStore(thePG, log, jobRepo)
	generationService := services.NewGenerationService(thePG, log, jobStore, jobRepo, courseRepo, notifier)
	statusService := services.NewJobStatusService(thePG, log, jobRepo)

	orchestrator := agent.NewOrchestrator(log, openaiClient, agent.Config{
		MaxSteps:     utils.GetEnvAsInt("AGENT_MAX_STEPS", 50, log),
		MaxWallClock: utils.GetEnvAsDuration("AGENT_MAX_WALL_CLOCK", 10*time.Minute, log),
	})
	generationHandler := services.NewCourseGenerationHandler(log, orchestrator, courseRepo, lessonRepo, sectionRepo)

	// Worker
	log.Info("Setting up job worker from main...")
	registry := runtime.NewRegistry()
	if err := registry.Register(generationHandler); err != nil {
		log.Error("Could not register generation handler", "error", err)
		os.Exit(1)
	}
	worker := jobs.NewWorker(thePG, log, jobStore, jobRepo, registry, notifier, jobs.WorkerConfig{
		PoolSize:     utils.GetEnvAsInt("JOB_POOL_SIZE", 4, log),
		PollInterval: utils.GetEnvAsDuration("JOB_POLL_INTERVAL", time.Second, log),
		Policy: jobs.RunnablePolicy{
			MaxAttempts:  utils.GetEnvAsInt("JOB_MAX_ATTEMPTS", 5, log),
			RetryDelay:   utils.GetEnvAsDuration("JOB_RETRY_DELAY", 30*time.Second, log),
			StaleRunning: utils.GetEnvAsDuration("JOB_STALE_RUNNING", 2*time.Minute, log),
		},
	})
	worker.Start(context.Background())

	// Handlers
	log.Info("Setting up handlers from main...")
	httpGenerationHandler := handlers.NewGenerationHandler(generationService, statusService)
	sseHandler := handlers.NewSSEHandler(sseHub)

	// Middleware
	authMiddleware, err := middleware.NewAuthMiddleware(log)
	if err != nil {
		log.Error("Could not init auth middleware", "error", err)
		os.Exit(1)
	}

	// Router
	log.Info("Setting up router from main...")
	router := server.NewRouter(server.RouterConfig{
		AuthMiddleware:    authMiddleware,
		GenerationHandler: httpGenerationHandler,
		SSEHandler:        sseHandler,
	})

	port := utils.GetEnv("PORT", "8080", log)
	fmt.Printf("Server listening on :%s\n", port)
	if err := router.Run(":" + port); err != nil {
		log.Warn("Server failed", "error", err)
	}
}
