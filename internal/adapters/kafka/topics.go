package kafka

// Audit topics. Messages are keyed by session id so one session stays on one partition.
const (
	TopicRoutingDecisions    = "agentrouter.routing_decisions"
	TopicCollaborationEvents = "agentrouter.collaboration_events"
	TopicModelProfiles       = "agentrouter.model_profiles"
)
