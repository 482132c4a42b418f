package natsbus

import "fmt"

// Topic patterns for NATS pub/sub communication.

func TopicAgentInbox(agentID string) string {
	return fmt.Sprintf("agent.%s.inbox", agentID)
}

func TopicAgentStatus(agentID string) string {
	return fmt.Sprintf("agent.%s.status", agentID)
}

func TopicBarrierReport(barrierID string) string {
	return fmt.Sprintf("coord.barrier.%s.report", barrierID)
}

func TopicEvents(kind string) string {
	return fmt.Sprintf("events.coord.%s", kind)
}

const (
	TopicAgentStatusAll = "agent.*.status"
	TopicBarrierReports = "coord.barrier.*.report"
	TopicEventsAll      = "events.>"
	TopicEventsCoordAll = "events.coord.*"
)
