package natsbus

import "fmt"

// Subjects for swarm event fan-out.

func TopicEventsFlow(flowID string) string {
	return fmt.Sprintf("events.flow.%s", flowID)
}

func TopicEventsSchedule(goalID string) string {
	return fmt.Sprintf("events.schedule.%s", goalID)
}

const (
	TopicEventsAll       = "events.>"
	TopicEventsFlows     = "events.flow.*"
	TopicEventsSchedules = "events.schedule.*"
)
