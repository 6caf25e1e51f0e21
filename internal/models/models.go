package models

import (
    "database/sql/driver"
    "encoding/json"
    "time"
)

// CallType distinguishes a direct (operator-initiated) call from one
// sourced from a running campaign.
type CallType string

const (
    CallTypeDirect   CallType = "direct"
    CallTypeCampaign CallType = "campaign"
)

// QueueItemStatus is the lifecycle state of a queued call.
type QueueItemStatus string

const (
    QueueStatusPending    QueueItemStatus = "pending"
    QueueStatusProcessing QueueItemStatus = "processing"
    QueueStatusDispatched QueueItemStatus = "dispatched"
    QueueStatusFailed     QueueItemStatus = "failed"
    QueueStatusCancelled  QueueItemStatus = "cancelled"
)

// CampaignStatus is the lifecycle state of a campaign.
type CampaignStatus string

const (
    CampaignStatusActive    CampaignStatus = "active"
    CampaignStatusPaused    CampaignStatus = "paused"
    CampaignStatusCompleted CampaignStatus = "completed"
    CampaignStatusArchived  CampaignStatus = "archived"
)

// CallStatus is the lifecycle of an ActiveCall / Call record.
type CallStatus string

const (
    CallStatusActive    CallStatus = "active"
    CallStatusCompleted CallStatus = "completed"
    CallStatusFailed    CallStatus = "failed"
    CallStatusAbandoned CallStatus = "abandoned"
    CallStatusTimeout   CallStatus = "timeout"
)

// RetryJobStatus is the lifecycle of a webhook retry job.
type RetryJobStatus string

const (
    RetryStatusPending   RetryJobStatus = "pending"
    RetryStatusRetrying  RetryJobStatus = "retrying"
    RetryStatusSucceeded RetryJobStatus = "succeeded"
    RetryStatusDeadLetter RetryJobStatus = "dead_letter"
)

// JSON is a generic map stored as a JSON blob column.
type JSON map[string]interface{}

func (j JSON) Value() (driver.Value, error) {
    if j == nil {
        return nil, nil
    }
    return json.Marshal(j)
}

func (j *JSON) Scan(value interface{}) error {
    if value == nil {
        *j = make(JSON)
        return nil
    }

    bytes, ok := value.([]byte)
    if !ok {
        return nil
    }

    return json.Unmarshal(bytes, j)
}

// User is the owner of campaigns, agents, phone numbers and queue items.
type User struct {
    ID                int64     `json:"id" db:"id"`
    Name              string    `json:"name" db:"name"`
    Credits           int64     `json:"credits" db:"credits"`
    ConcurrentLimit   int       `json:"concurrent_limit" db:"concurrent_limit"`
    CreatedAt         time.Time `json:"created_at" db:"created_at"`
}

// Campaign groups queued calls under one status flag, gating campaign
// queue-item eligibility but never direct queue-item eligibility.
type Campaign struct {
    ID        int64          `json:"id" db:"id"`
    UserID    int64          `json:"user_id" db:"user_id"`
    Name      string         `json:"name" db:"name"`
    Status    CampaignStatus `json:"status" db:"status"`
    AgentID   *int64         `json:"agent_id,omitempty" db:"agent_id"`
    CreatedAt time.Time      `json:"created_at" db:"created_at"`
}

// Agent is a configured AI calling persona, optionally bound to one
// phone number used as its source caller ID.
type Agent struct {
    ID                    int64  `json:"id" db:"id"`
    UserID                int64  `json:"user_id" db:"user_id"`
    Name                  string `json:"name" db:"name"`
    AssignedPhoneNumberID *int64 `json:"assigned_phone_number_id,omitempty" db:"assigned_phone_number_id"`
    VoiceProviderAgentID  string `json:"voice_provider_agent_id" db:"voice_provider_agent_id"`
}

// PhoneNumber is a caller-ID-capable number owned by a user.
type PhoneNumber struct {
    ID          int64     `json:"id" db:"id"`
    UserID      int64     `json:"user_id" db:"user_id"`
    AgentID     *int64    `json:"agent_id,omitempty" db:"agent_id"`
    E164Number  string    `json:"e164_number" db:"e164_number"`
    CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// QueueItem is one call waiting to be dispatched.
type QueueItem struct {
    ID             int64           `json:"id" db:"id"`
    UserID         int64           `json:"user_id" db:"user_id"`
    CampaignID     *int64          `json:"campaign_id,omitempty" db:"campaign_id"`
    CallType       CallType        `json:"call_type" db:"call_type"`
    AgentID        int64           `json:"agent_id" db:"agent_id"`
    ToNumber       string          `json:"to_number" db:"to_number"`
    Priority       int             `json:"priority" db:"priority"`
    ScheduledFor   time.Time       `json:"scheduled_for" db:"scheduled_for"`
    Status         QueueItemStatus `json:"status" db:"status"`
    UserData       JSON            `json:"user_data,omitempty" db:"user_data"`
    FailureReason  string          `json:"failure_reason,omitempty" db:"failure_reason"`
    CreatedAt      time.Time       `json:"created_at" db:"created_at"`
    UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// NormalizedUserData is the boundary-normalized shape a voice provider
// request's dynamic payload is reduced to.
type NormalizedUserData struct {
    LeadName     string `json:"lead_name"`
    BusinessName string `json:"business_name"`
    Email        string `json:"email"`
}

// ActiveCall is the slot occupied by a call in progress, owned either
// directly (dispatch-time assignment) or via a campaign.
type ActiveCall struct {
    ID            int64      `json:"id" db:"id"`
    UserID        int64      `json:"user_id" db:"user_id"`
    CampaignID    *int64     `json:"campaign_id,omitempty" db:"campaign_id"`
    QueueItemID   *int64     `json:"queue_item_id,omitempty" db:"queue_item_id"`
    AgentID       *int64     `json:"agent_id,omitempty" db:"agent_id"`
    ExecutionID   string     `json:"execution_id,omitempty" db:"execution_id"`
    CallType      CallType   `json:"call_type" db:"call_type"`
    ToNumber      string     `json:"to_number" db:"to_number"`
    ReservedAt    time.Time  `json:"reserved_at" db:"reserved_at"`
    LastAllocationAt *time.Time `json:"last_allocation_at,omitempty" db:"last_allocation_at"`
}

// Call is the terminal record of a completed call, written once the
// Webhook Retry Pipeline processes a terminal-event payload.
type Call struct {
    ID                          int64      `json:"id" db:"id"`
    UserID                      int64      `json:"user_id" db:"user_id"`
    CampaignID                  *int64     `json:"campaign_id,omitempty" db:"campaign_id"`
    ExecutionID                 string     `json:"execution_id" db:"execution_id"`
    ToNumber                    string     `json:"to_number" db:"to_number"`
    Status                      CallStatus `json:"status" db:"status"`
    ConversationDurationSeconds int        `json:"conversation_duration_seconds" db:"conversation_duration_seconds"`
    StartedAt                   time.Time  `json:"started_at" db:"started_at"`
    EndedAt                     *time.Time `json:"ended_at,omitempty" db:"ended_at"`
    Metadata                    JSON       `json:"metadata,omitempty" db:"metadata"`
}

// RetryJob tracks bounded-retry delivery of a terminal-event side
// effect (persisting the Call record and releasing the active-call slot).
type RetryJob struct {
    ID          int64          `json:"id" db:"id"`
    ExecutionID string         `json:"execution_id" db:"execution_id"`
    Payload     JSON           `json:"payload" db:"payload"`
    Attempts    int            `json:"attempts" db:"attempts"`
    Status      RetryJobStatus `json:"status" db:"status"`
    NextAttemptAt time.Time    `json:"next_attempt_at" db:"next_attempt_at"`
    LastError   string         `json:"last_error,omitempty" db:"last_error"`
    CreatedAt   time.Time      `json:"created_at" db:"created_at"`
    UpdatedAt   time.Time      `json:"updated_at" db:"updated_at"`
}

// DLQItem is a RetryJob that exhausted its bounded retry budget.
type DLQItem struct {
    ID          int64     `json:"id" db:"id"`
    RetryJobID  int64     `json:"retry_job_id" db:"retry_job_id"`
    ExecutionID string    `json:"execution_id" db:"execution_id"`
    Payload     JSON      `json:"payload" db:"payload"`
    Attempts    int       `json:"attempts" db:"attempts"`
    LastError   string    `json:"last_error,omitempty" db:"last_error"`
    MovedAt     time.Time `json:"moved_at" db:"moved_at"`
}

// TerminalEventPayload is the webhook body the voice provider posts
// when a call ends. The provider identifies the conversation by "id"
// (preferred) or "agent_id". Decoding folds "id" or "execution_id" into
// ExecutionID and keeps "agent_id" in AgentID, which the processor
// falls back to when no conversation id is present.
type TerminalEventPayload struct {
    ExecutionID                 string                 `json:"execution_id"`
    AgentID                     string                 `json:"agent_id,omitempty"`
    Status                      string                 `json:"status"`
    ConversationDurationSeconds int                    `json:"conversation_duration_seconds"`
    Raw                         map[string]interface{} `json:"-"`
}

func (p *TerminalEventPayload) UnmarshalJSON(data []byte) error {
    var raw map[string]interface{}
    if err := json.Unmarshal(data, &raw); err != nil {
        return err
    }
    p.Raw = raw

    if v, ok := raw["id"].(string); ok && v != "" {
        p.ExecutionID = v
    } else if v, ok := raw["execution_id"].(string); ok {
        p.ExecutionID = v
    }
    if v, ok := raw["agent_id"].(string); ok {
        p.AgentID = v
    }
    if v, ok := raw["status"].(string); ok {
        p.Status = v
    }
    for _, field := range []string{"conversation_duration", "conversation_duration_seconds"} {
        if v, ok := raw[field].(float64); ok {
            p.ConversationDurationSeconds = int(v)
            break
        }
    }
    return nil
}

// CacheEntryStats reports the in-process cache's current occupancy and
// hit ratio.
type CacheEntryStats struct {
    Entries     int     `json:"entries"`
    MemoryBytes int64   `json:"memory_bytes"`
    Hits        uint64  `json:"hits"`
    Misses      uint64  `json:"misses"`
    HitRatio    float64 `json:"hit_ratio"`
    Evictions   uint64  `json:"evictions"`
}
