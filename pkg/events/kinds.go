package events

// Kind constants follow the <category>.<action> namespace convention. These
// are the well-known event kinds the core and its external collaborators
// agree on; anything else is a free-form extension kind.
const (
	TaskCreated       = "task.created"
	TaskStatusChanged = "task.status_changed"
	TaskAssigned      = "task.assigned"
	TaskCompleted     = "task.completed"
	TaskFailed        = "task.failed"
	TaskArchived      = "task.archived"

	AgentRegistered            = "agent.registered"
	AgentStarted               = "agent.started"
	AgentStopped               = "agent.stopped"
	AgentOutput                = "agent.output"
	AgentOutputBatch           = "agent.output_batch"
	AgentError                 = "agent.error"
	AgentRequirementAnalyzed   = "agent.requirement_analyzed"
	AgentBusinessContextReady  = "agent.business_context_ready"
	AgentCodeReviewRequested   = "agent.code_review_requested"
	AgentQATestPassed          = "agent.qa_test_passed"
	AgentQATestFailed          = "agent.qa_test_failed"

	RelayUp              = "relay.up"
	RelayDown            = "relay.down"
	RelayAgentOutput     = "relay.agent_output"
	RelaySessionStatus   = "relay.session_status"
	RelayArtifact        = "relay.artifact"
	RelayPermissionReq   = "relay.permission_request"
	RelayPromptCompleted = "relay.prompt_completed"
	RelaySpawnRequested  = "relay.spawn_requested"
	RelaySpawnCompleted  = "relay.spawn_completed"
	RelaySpawnFailed     = "relay.spawn_failed"
	RelayStopRequested   = "relay.stop_requested"
	RelayInputRequested  = "relay.input_requested"

	PermissionRequested = "permission.requested"
	PermissionResponded = "permission.responded"
	PermissionApproved  = "permission.approved"
	PermissionDenied    = "permission.denied"

	ArtifactCreated       = "artifact.created"
	ArtifactGithubPROpen  = "artifact.github_pr_opened"
	ArtifactGithubPRMerge = "artifact.github_pr_merged"

	SystemRelayConnected    = "system.relay_connected"
	SystemRelayDisconnected = "system.relay_disconnected"
)
