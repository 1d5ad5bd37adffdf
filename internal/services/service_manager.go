package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/classforge/attempt-service/internal/config"
	"github.com/classforge/attempt-service/internal/events"
	"github.com/classforge/attempt-service/internal/repositories"
	"github.com/classforge/attempt-service/internal/validator"
)

// ServiceManagerConfig holds configuration for the service manager
type ServiceManagerConfig struct {
	Session config.SessionConfig

	// SweepInterval drives the background auto-submit sweeper; zero
	// disables it.
	SweepInterval time.Duration

	DefaultTimeout time.Duration
}

// serviceManager implements ServiceManager interface
type serviceManager struct {
	// Dependencies
	db        *gorm.DB
	repo      repositories.Repository
	logger    *slog.Logger
	validator *validator.Validator
	publisher events.EventPublisher
	config    ServiceManagerConfig

	// Service instances
	policyService    PolicyService
	sessionService   SessionService
	finalizerService FinalizerService
	gradingService   GradingService
	exportService    ExportService

	// Lifecycle management
	initialized bool
	shutdown    bool
	sweepStop   chan struct{}
	sweepDone   chan struct{}
	mu          sync.RWMutex
}

// NewServiceManager creates a new service manager with all dependencies
func NewServiceManager(db *gorm.DB, repo repositories.Repository, logger *slog.Logger, validator *validator.Validator, publisher events.EventPublisher, config ServiceManagerConfig) ServiceManager {
	return &serviceManager{
		db:        db,
		repo:      repo,
		logger:    logger,
		validator: validator,
		publisher: publisher,
		config:    config,
	}
}

// NewDefaultServiceManager creates a service manager with default configuration
func NewDefaultServiceManager(db *gorm.DB, repo repositories.Repository, logger *slog.Logger, validator *validator.Validator, publisher events.EventPublisher, session config.SessionConfig) ServiceManager {
	return NewServiceManager(db, repo, logger, validator, publisher, ServiceManagerConfig{
		Session:        session,
		SweepInterval:  session.SweepInterval,
		DefaultTimeout: 30 * time.Second,
	})
}

// Initialize sets up all services and starts the deadline sweeper
func (sm *serviceManager) Initialize(ctx context.Context) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.initialized {
		return nil
	}

	sm.logger.Info("Initializing service manager")

	sm.policyService = NewPolicyService(sm.repo, sm.db, sm.logger, sm.validator, sm.config.Session)
	sm.sessionService = NewSessionService(sm.repo, sm.db, sm.logger, sm.validator, sm.policyService, sm.publisher, sm.config.Session)
	sm.finalizerService = NewFinalizerService(sm.repo, sm.db, sm.logger, sm.publisher)
	sm.gradingService = NewGradingService(sm.repo, sm.db, sm.logger, sm.validator, sm.publisher)
	sm.exportService = NewExportService(sm.repo, sm.db, sm.logger)

	if sm.config.SweepInterval > 0 {
		sm.sweepStop = make(chan struct{})
		sm.sweepDone = make(chan struct{})
		go sm.runSweeper()
		sm.logger.Info("Deadline sweeper started", "interval", sm.config.SweepInterval)
	}

	sm.initialized = true
	sm.logger.Info("Service manager initialized successfully")

	return nil
}

// runSweeper periodically auto-submits attempts past their deadline.
func (sm *serviceManager) runSweeper() {
	defer close(sm.sweepDone)

	ticker := time.NewTicker(sm.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sm.sweepStop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), sm.config.DefaultTimeout)
			if _, err := sm.finalizerService.SweepExpired(ctx); err != nil {
				sm.logger.Error("deadline sweep failed", "error", err)
			}
			cancel()
		}
	}
}

// Service getters
func (sm *serviceManager) Policy() PolicyService {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if !sm.initialized {
		panic("service manager not initialized")
	}
	return sm.policyService
}

func (sm *serviceManager) Session() SessionService {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if !sm.initialized {
		panic("service manager not initialized")
	}
	return sm.sessionService
}

func (sm *serviceManager) Finalizer() FinalizerService {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if !sm.initialized {
		panic("service manager not initialized")
	}
	return sm.finalizerService
}

func (sm *serviceManager) Grading() GradingService {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if !sm.initialized {
		panic("service manager not initialized")
	}
	return sm.gradingService
}

func (sm *serviceManager) Export() ExportService {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if !sm.initialized {
		panic("service manager not initialized")
	}
	return sm.exportService
}

// Health and lifecycle
func (sm *serviceManager) HealthCheck(ctx context.Context) error {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if !sm.initialized {
		return fmt.Errorf("service manager not initialized")
	}
	if sm.shutdown {
		return fmt.Errorf("service manager is shut down")
	}

	if err := sm.repo.Ping(ctx); err != nil {
		return fmt.Errorf("repository health check failed: %w", err)
	}
	return nil
}

func (sm *serviceManager) Shutdown(ctx context.Context) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.shutdown {
		return nil
	}

	sm.logger.Info("Shutting down service manager")

	if sm.sweepStop != nil {
		close(sm.sweepStop)
		select {
		case <-sm.sweepDone:
		case <-ctx.Done():
			sm.logger.Warn("sweeper did not stop before shutdown deadline")
		}
	}

	if sm.publisher != nil {
		if err := sm.publisher.Close(); err != nil {
			sm.logger.Error("failed to close event publisher", "error", err)
		}
	}

	sm.shutdown = true
	sm.logger.Info("Service manager shut down")
	return nil
}
