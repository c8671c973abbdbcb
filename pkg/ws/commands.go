package ws

// Command names carried in the "type" field of client frames.
const (
	// Auth
	CmdAuthRegister  = "auth.register"
	CmdAuthLogin     = "auth.login"
	CmdAuthMFAVerify = "auth.mfa.verify"
	CmdAuthMFASetup  = "auth.mfa.setup"
	CmdAuthToken     = "auth.token"
	CmdAuthLogout    = "auth.logout"

	// Process
	CmdProcessSpawn    = "process.spawn"
	CmdProcessKill     = "process.kill"
	CmdProcessList     = "process.list"
	CmdProcessGet      = "process.get"
	CmdProcessHistory  = "process.history"
	CmdProcessSnapshot = "process.snapshot"

	// Agent control
	CmdAgentPause   = "agent.pause"
	CmdAgentResume  = "agent.resume"
	CmdAgentMessage = "agent.message"
	CmdAgentHistory = "agent.history"

	// Filesystem
	CmdFsLs    = "fs.ls"
	CmdFsRead  = "fs.read"
	CmdFsWrite = "fs.write"

	// Memory
	CmdMemPut    = "mem.put"
	CmdMemGet    = "mem.get"
	CmdMemSearch = "mem.search"
	CmdMemDelete = "mem.delete"

	// Plans
	CmdPlanGet    = "plan.get"
	CmdPlanUpdate = "plan.update"

	// Key-value
	CmdKVGet    = "kv.get"
	CmdKVPut    = "kv.put"
	CmdKVDelete = "kv.delete"

	// Cron jobs
	CmdCronCreate = "cron.create"
	CmdCronList   = "cron.list"
	CmdCronToggle = "cron.toggle"
	CmdCronDelete = "cron.delete"

	// Event triggers
	CmdTriggerCreate = "trigger.create"
	CmdTriggerList   = "trigger.list"
	CmdTriggerToggle = "trigger.toggle"
	CmdTriggerDelete = "trigger.delete"

	// Webhooks
	CmdWebhookCreate = "webhook.create"
	CmdWebhookList   = "webhook.list"
	CmdWebhookDelete = "webhook.delete"
	CmdDLQList       = "dlq.list"
	CmdDLQRetry      = "dlq.retry"
	CmdDLQDelete     = "dlq.delete"

	// Admin
	CmdUserList      = "user.list"
	CmdUserDelete    = "user.delete"
	CmdOrgCreate     = "org.create"
	CmdOrgList       = "org.list"
	CmdOrgDelete     = "org.delete"
	CmdTeamCreate    = "team.create"
	CmdTeamList      = "team.list"
	CmdTeamDelete    = "team.delete"
	CmdPolicyCreate  = "policy.create"
	CmdPolicyList    = "policy.list"
	CmdPolicyDelete  = "policy.delete"
	CmdAuditQuery    = "audit.query"
	CmdClusterInfo   = "cluster.info"
	CmdKernelMetrics = "kernel.metrics"
)
