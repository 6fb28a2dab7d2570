package store

import "encoding/json"

// Service is a row in the services table: a claimed port bound to a
// semantic identity.
type Service struct {
	ID             string          `json:"id"`
	Port           *int            `json:"port"`
	PID            *int            `json:"pid,omitempty"`
	Cmd            string          `json:"cmd,omitempty"`
	Cwd            string          `json:"cwd,omitempty"`
	Status         string          `json:"status"`
	CreatedAt      int64           `json:"createdAt"`
	LastSeen       int64           `json:"lastSeen"`
	ExpiresAt      *int64          `json:"expiresAt,omitempty"`
	RestartPolicy  string          `json:"restartPolicy,omitempty"`
	HealthURL      string          `json:"healthUrl,omitempty"`
	TunnelProvider string          `json:"tunnelProvider,omitempty"`
	TunnelURL      string          `json:"tunnelUrl,omitempty"`
	PairedWith     string          `json:"pairedWith,omitempty"`
	OwnerAgentID   string          `json:"ownerAgentId,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

// Endpoint is a (service_id, env) -> url binding.
type Endpoint struct {
	ServiceID string `json:"serviceId"`
	Env       string `json:"env"`
	URL       string `json:"url"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

// Message is one row in an append-only channel log.
type Message struct {
	ID        int64           `json:"id"`
	Channel   string          `json:"channel"`
	Payload   json.RawMessage `json:"payload"`
	Sender    string          `json:"sender,omitempty"`
	CreatedAt int64           `json:"createdAt"`
	ExpiresAt *int64          `json:"expiresAt,omitempty"`
}

// Lock is a named advisory lock.
type Lock struct {
	Name       string          `json:"name"`
	Owner      string          `json:"owner"`
	PID        *int            `json:"pid,omitempty"`
	AcquiredAt int64           `json:"acquiredAt"`
	ExpiresAt  int64           `json:"expiresAt"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

// Agent is a registered client process.
type Agent struct {
	ID              string `json:"id"`
	Name            string `json:"name,omitempty"`
	Type            string `json:"type,omitempty"`
	PID             *int   `json:"pid,omitempty"`
	RegisteredAt    int64  `json:"registeredAt"`
	LastHeartbeat   int64  `json:"lastHeartbeat"`
	MaxServices     int    `json:"maxServices"`
	MaxLocks        int    `json:"maxLocks"`
	IdentityProject string `json:"identityProject,omitempty"`
	IdentityStack   string `json:"identityStack,omitempty"`
	IdentityContext string `json:"identityContext,omitempty"`
	Purpose         string `json:"purpose,omitempty"`
	WorktreeID      string `json:"worktreeId,omitempty"`
	Status          string `json:"status"`
}

// ResurrectionEntry captures a dead agent's context for hand-off to a
// successor.
type ResurrectionEntry struct {
	OldID     string          `json:"oldId"`
	NewID     *string         `json:"newId,omitempty"`
	Context   json.RawMessage `json:"context,omitempty"`
	State     string          `json:"state"`
	CreatedAt int64           `json:"createdAt"`
	UpdatedAt int64           `json:"updatedAt"`
}

// Session is a mutable container for a unit of agent work.
type Session struct {
	ID          string  `json:"id"`
	Purpose     string  `json:"purpose"`
	Status      string  `json:"status"`
	AgentID     *string `json:"agentId,omitempty"`
	CreatedAt   int64   `json:"createdAt"`
	UpdatedAt   int64   `json:"updatedAt"`
	CompletedAt *int64  `json:"completedAt,omitempty"`
}

// SessionFileClaim is an advisory claim on a file path held by a
// session.
type SessionFileClaim struct {
	SessionID  string `json:"sessionId"`
	FilePath   string `json:"filePath"`
	ClaimedAt  int64  `json:"claimedAt"`
	ReleasedAt *int64 `json:"releasedAt,omitempty"`
}

// SessionNote is an immutable, append-only entry attached to a
// session.
type SessionNote struct {
	ID        int64  `json:"id"`
	SessionID string `json:"sessionId"`
	Content   string `json:"content"`
	Type      string `json:"type"`
	CreatedAt int64  `json:"createdAt"`
}

// WebhookSubscription is a registered outbound delivery target. The
// shared secret never appears in a response body.
type WebhookSubscription struct {
	ID        string          `json:"id"`
	URL       string          `json:"url"`
	Events    json.RawMessage `json:"events"`
	Secret    string          `json:"-"`
	Filter    string          `json:"filter,omitempty"`
	Active    bool            `json:"active"`
	CreatedAt int64           `json:"createdAt"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// WebhookDelivery is one attempted (or pending) delivery of an event
// to a subscription.
type WebhookDelivery struct {
	ID             int64           `json:"id"`
	SubscriptionID string          `json:"subscriptionId"`
	Event          string          `json:"event"`
	Payload        json.RawMessage `json:"payload"`
	Timestamp      int64           `json:"timestamp"`
	StatusCode     *int            `json:"statusCode,omitempty"`
	Success        bool            `json:"success"`
	AttemptCount   int             `json:"attemptCount"`
	NextRetryAt    *int64          `json:"nextRetryAt,omitempty"`
	LastError      string          `json:"lastError,omitempty"`
}

// ActivityEntry is one append-only audit record.
type ActivityEntry struct {
	ID        int64           `json:"id"`
	Timestamp int64           `json:"timestamp"`
	Type      string          `json:"type"`
	AgentID   string          `json:"agentId,omitempty"`
	TargetID  string          `json:"targetId,omitempty"`
	Details   string          `json:"details,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// Project is opaque, scanner-owned storage the core never interprets.
type Project struct {
	ID          string          `json:"id"`
	Root        string          `json:"root"`
	Type        string          `json:"type,omitempty"`
	Config      json.RawMessage `json:"config,omitempty"`
	Services    json.RawMessage `json:"services,omitempty"`
	LastScanned *int64          `json:"lastScanned,omitempty"`
	CreatedAt   int64           `json:"createdAt"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// InboxMessage is one directed message in an agent's inbox.
type InboxMessage struct {
	ID        int64  `json:"id"`
	AgentID   string `json:"agentId"`
	Content   string `json:"content"`
	Sender    string `json:"sender,omitempty"`
	Read      bool   `json:"read"`
	CreatedAt int64  `json:"createdAt"`
}
