package dependency

import "context"

// DependencyExecutor runs external commands for the media converter.
//
// LocalExecutor is the production implementation; tests substitute a fake.
type DependencyExecutor interface {
	// ExecuteCommand executes a command with the given request.
	// If the context is cancelled, the command should be terminated promptly.
	ExecuteCommand(ctx context.Context, req CommandRequest) (CommandResponse, error)

	// HealthCheck verifies that the executor is ready to handle requests.
	HealthCheck(ctx context.Context) error
}
