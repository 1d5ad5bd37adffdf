package repositories

import "context"

// Repository aggregates all domain repositories plus the realtime
// session store behind a single dependency for the service layer.
type Repository interface {
	Test() TestRepository
	Attempt() AttemptRepository
	AttemptEvent() AttemptEventRepository
	Submission() SubmissionRepository
	User() UserRepository
	Session() SessionStore

	// WithTransaction runs fn against a repository bound to one database
	// transaction. The session store and user repository are external and
	// not transactional.
	WithTransaction(ctx context.Context, fn func(Repository) error) error

	Ping(ctx context.Context) error
	Close() error
}

// RepositoryManager handles the lifecycle of all repository connections.
type RepositoryManager interface {
	Initialize() error
	GetRepository() Repository
	HealthCheck(ctx context.Context) error
	Shutdown(ctx context.Context) error
}
