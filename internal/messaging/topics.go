package messaging

// Topic constants for the relay's event streams
const (
	// Job lifecycle events
	TopicJobsAccepted  = "relay.jobs.accepted"    // api → downstream consumers
	TopicJobsCompleted = "relay.jobs.completed"   // worker → downstream consumers
	TopicJobsFailed    = "relay.jobs.failed"      // worker → downstream consumers
	TopicJobsDead      = "relay.jobs.dead_letter" // worker → operator alerting

	// Claim registry events
	TopicClaimEvents = "relay.claims.events" // minerd → downstream consumers
)
