// Package activity names the activity_entries "type" values every core
// component logs against, so callers never hand-roll the string and
// risk typos that would defeat the summary/group-by query.
package activity

const (
	ServiceClaim   = "service.claim"
	ServiceRelease = "service.release"

	LockAcquire = "lock.acquire"
	LockRelease = "lock.release"
	LockExtend  = "lock.extend"

	MessagePublish = "message.publish"
	MessageClear   = "message.clear"

	AgentRegister   = "agent.register"
	AgentHeartbeat  = "agent.heartbeat"
	AgentUnregister = "agent.unregister"
	AgentCleanup    = "agent.cleanup"

	SessionStart  = "session.start"
	SessionUpdate = "session.update"
	SessionDelete = "session.delete"

	WebhookDelivery = "webhook.delivery"

	DaemonStart = "daemon.start"
	DaemonStop  = "daemon.stop"
)
