package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/aidekit/aide/internal/db"
	"github.com/aidekit/aide/internal/plan"
	"github.com/aidekit/aide/internal/scheduler"
	"github.com/aidekit/aide/internal/stream"
)

// Server represents the API server
type Server struct {
	db        *db.DB
	scheduler *scheduler.Scheduler
	engine    *plan.Engine
	events    *stream.Manager
	router    chi.Router
}

// NewServer creates a new API server
func NewServer(database *db.DB, sched *scheduler.Scheduler, engine *plan.Engine, events *stream.Manager) *Server {
	s := &Server{
		db:        database,
		scheduler: sched,
		engine:    engine,
		events:    events,
		router:    chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(CORS)

	// API routes - all at top level to avoid chi subrouter issues with multiple params
	r.Get("/api/v1/health", s.HealthCheck)

	// Tasks
	r.Get("/api/v1/tasks", s.ListTasks)
	r.Post("/api/v1/tasks", s.CreateTask)
	r.Get("/api/v1/tasks/{id}", s.GetTask)
	r.Put("/api/v1/tasks/{id}", s.UpdateTask)
	r.Delete("/api/v1/tasks/{id}", s.DeleteTask)
	r.Post("/api/v1/tasks/{id}/toggle", s.ToggleTask)
	r.Post("/api/v1/tasks/{id}/run", s.RunTask)
	r.Get("/api/v1/tasks/{id}/runs", s.GetTaskRuns)
	r.Get("/api/v1/tasks/{id}/runs/latest", s.GetLatestTaskRun)

	// Plans
	r.Get("/api/v1/plans", s.ListPlans)
	r.Post("/api/v1/plans", s.CreatePlan)
	r.Get("/api/v1/plans/stats", s.GetPlanStats)
	r.Get("/api/v1/plans/{id}", s.GetPlan)
	r.Patch("/api/v1/plans/{id}", s.UpdatePlan)
	r.Delete("/api/v1/plans/{id}", s.DeletePlan)
	r.Get("/api/v1/plans/{id}/steps", s.GetPlanSteps)
	r.Post("/api/v1/plans/{id}/steps", s.AddPlanStep)
	r.Get("/api/v1/plans/{id}/steps/next", s.GetNextStep)
	r.Post("/api/v1/plans/{id}/progress", s.RecalculateProgress)
	r.Get("/api/v1/plans/{id}/history", s.GetPlanHistory)
	r.Post("/api/v1/plans/{id}/events", s.LogPlanEvent)
	r.Get("/api/v1/plans/{id}/events/stream", s.StreamPlanEvents)

	// Steps
	r.Get("/api/v1/steps/{id}", s.GetStep)
	r.Patch("/api/v1/steps/{id}", s.UpdateStep)
	r.Get("/api/v1/steps/{id}/ready", s.StepReady)
	r.Post("/api/v1/steps/{id}/claim", s.ClaimStep)

	// Channels
	r.Get("/api/v1/channels", s.ListChannels)
	r.Post("/api/v1/channels", s.CreateChannel)
	r.Get("/api/v1/channels/{id}", s.GetChannel)
	r.Put("/api/v1/channels/{id}", s.UpdateChannel)
	r.Delete("/api/v1/channels/{id}", s.DeleteChannel)

	// Settings
	r.Get("/api/v1/settings", s.GetSettings)
	r.Put("/api/v1/settings", s.UpdateSettings)
}

// Router returns the chi router for use with http.Server
func (s *Server) Router() http.Handler {
	return s.router
}
