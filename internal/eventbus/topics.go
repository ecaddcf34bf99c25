package eventbus

// Topic names an event stream.
type Topic string

// Topics consumed by the UI layer.
const (
	TopicMilestoneUpdated  Topic = "case.milestone.updated"
	TopicMilestoneConflict Topic = "case.milestone.conflict"
	TopicCaseLifecycle     Topic = "case.lifecycle"
	TopicSessionState      Topic = "speech.session.state"
	TopicIntentRejected    Topic = "speech.intent.rejected"
	TopicWakeWord          Topic = "speech.wake.detected"
	TopicRecoveryState     Topic = "speech.recovery.state"
	TopicDeviceChanged     Topic = "audio.device.changed"
	TopicVoiceAvailability Topic = "voice.availability"
)

// UITopics lists every topic the UI gateway forwards.
func UITopics() []Topic {
	return []Topic{
		TopicMilestoneUpdated,
		TopicMilestoneConflict,
		TopicCaseLifecycle,
		TopicSessionState,
		TopicIntentRejected,
		TopicWakeWord,
		TopicRecoveryState,
		TopicDeviceChanged,
		TopicVoiceAvailability,
	}
}
