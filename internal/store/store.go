// Package store persists functions, deployments, API keys, invocations, and
// function logs, and guarantees the active-deployment invariant.
package store

import (
	"context"
	"time"

	"github.com/dartcloud/dartcloud/internal/domain"
)

// Store is the narrow data-access port the engine depends on. PostgresStore
// is the production implementation; tests substitute fakes.
type Store interface {
	Close()
	Ping(ctx context.Context) error

	// Functions
	CreateFunction(ctx context.Context, fn *domain.Function) error
	GetFunction(ctx context.Context, id string) (*domain.Function, error)
	GetFunctionByName(ctx context.Context, ownerID, name string) (*domain.Function, error)
	ListFunctions(ctx context.Context, ownerID string) ([]*domain.Function, error)
	SetFunctionStatus(ctx context.Context, id string, status domain.FunctionStatus) error
	DeleteFunction(ctx context.Context, id string) error

	// Deployments. CreateDeployment allocates version = max+1 under a
	// row-level lock on the function row and inserts the row as building.
	CreateDeployment(ctx context.Context, functionID, archiveKey string) (*domain.Deployment, error)
	GetDeployment(ctx context.Context, id string) (*domain.Deployment, error)
	GetActiveDeployment(ctx context.Context, functionID string) (*domain.Deployment, error)
	ListDeployments(ctx context.Context, functionID string) ([]*domain.Deployment, error)
	SetDeploymentStatus(ctx context.Context, id string, status domain.DeploymentStatus, buildLogs string) error
	// ActivateDeployment atomically clears the previous active flag, sets
	// the new one, and repoints function.active_deployment_id. It returns
	// the image tag of the previously active deployment ("" if none).
	ActivateDeployment(ctx context.Context, functionID, deploymentID string) (previousImageTag string, err error)

	// API keys
	CreateAPIKey(ctx context.Context, key *domain.APIKey) error
	GetAPIKey(ctx context.Context, id string) (*domain.APIKey, error)
	ListAPIKeys(ctx context.Context, functionID string) ([]*domain.APIKey, error)
	RevokeAPIKey(ctx context.Context, id string, at time.Time) error
	EnableAPIKey(ctx context.Context, id string) error

	// Invocations and logs: append-only.
	RecordInvocation(ctx context.Context, inv *domain.Invocation) error
	ListInvocations(ctx context.Context, functionID string, limit int) ([]*domain.Invocation, error)
	AppendFunctionLogs(ctx context.Context, logs []*domain.FunctionLog) error
	ListFunctionLogs(ctx context.Context, functionID string, limit int) ([]*domain.FunctionLog, error)
}
