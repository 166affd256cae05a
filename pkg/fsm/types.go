package fsm

// DeployRequest is the FSM input
type DeployRequest struct {
	NodeID       string
	DeploymentID string
	ImageRef     string
}

// DeployResponse is the FSM output (accumulated across transitions)
type DeployResponse struct {
	// From Deploy
	ProvisionState string
	RootUUID       string
	RootMiB        int

	// From Complete/Failed
	Status       string
	ErrorMessage string
}

// State names
const (
	StateCheckNode = "check_node"
	StatePrepare   = "prepare"
	StateDeploy    = "deploy"
	StateComplete  = "complete"
	StateFailed    = "failed"
)
