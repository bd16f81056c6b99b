// Package agents holds the canonical rows the oracle derives from chain
// events: agent identities, feedback events, validations, score history,
// screenings, and alerts.
//
// Rows are written by the scanner, rescoring cycle, and screener, and read
// by the trust evaluation service. Correctness under concurrent writers
// relies on upsert idempotency: feedback is keyed by transaction hash,
// validations by their chain-assigned id, snapshots by (agent, date).
package agents

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound   = errors.New("agents: not found")
	ErrValidation = errors.New("agents: validation not found")
)

// Agent is the oracle's record of one registered identity.
// Created on the first registration event, never deleted.
type Agent struct {
	IdentityID     string     `json:"identityId"` // chain-assigned numeric id, decimal string
	ChainID        int64      `json:"chainId"`
	OwnerAddress   string     `json:"ownerAddress"`
	MetadataURI    string     `json:"metadataUri"`
	Name           string     `json:"name"`
	Description    string     `json:"description,omitempty"`
	Category       string     `json:"category,omitempty"`
	RegisteredAt   time.Time  `json:"registeredAt"`
	CompositeScore float64    `json:"compositeScore"`
	Tier           string     `json:"tier"`
	FeedbackCount  int        `json:"totalFeedbackCount"`
	AverageRating  float64    `json:"averageRating"`
	ValidationRate *float64   `json:"validationSuccessRate,omitempty"` // nil = no validation data
	Rank           int        `json:"rank,omitempty"`
	CategoryRank   int        `json:"categoryRank,omitempty"`
	URIChangeCount int        `json:"uriChangeCount"`
	LivenessScore  *float64   `json:"livenessScore,omitempty"` // recent uptime, 0-100
	LastScreenedAt *time.Time `json:"lastScreenedAt,omitempty"`
	LastLivenessAt *time.Time `json:"lastLivenessCheck,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// ReputationEvent is one reviewer rating one agent for one task.
// Append-only; the transaction hash is the dedup key, so replaying
// a block range is a no-op.
type ReputationEvent struct {
	ID          int64     `json:"id"`
	AgentID     string    `json:"agentId"`
	ChainID     int64     `json:"chainId"`
	Reviewer    string    `json:"reviewerAddress"`
	Rating      int       `json:"rating"` // 0-100
	TaskHash    string    `json:"taskHash,omitempty"`
	TxHash      string    `json:"transactionHash"`
	BlockNumber uint64    `json:"blockNumber"`
	Tags        []string  `json:"tags,omitempty"` // optional dimension tags
	CreatedAt   time.Time `json:"createdAt"`
}

// Validation is the two-phase on-chain validation workflow: a row is
// created on request and updated in place when the validator responds.
type Validation struct {
	ValidationID string     `json:"validationId"`
	AgentID      string     `json:"agentId"`
	ChainID      int64      `json:"chainId"`
	TaskHash     string     `json:"taskHash,omitempty"`
	Requester    string     `json:"requester"`
	Validator    *string    `json:"validator,omitempty"`
	IsValid      *bool      `json:"isValid,omitempty"`
	TxHash       string     `json:"transactionHash"`
	BlockNumber  uint64     `json:"blockNumber"`
	RequestedAt  time.Time  `json:"requestedAt"`
	RespondedAt  *time.Time `json:"respondedAt,omitempty"`
}

// Snapshot is a point-in-time score record, one per agent per day.
type Snapshot struct {
	ID             int64     `json:"id"`
	AgentID        string    `json:"agentId"`
	Date           time.Time `json:"date"` // truncated to day, UTC
	Score          float64   `json:"score"`
	AverageRating  float64   `json:"averageRating"`
	FeedbackCount  int       `json:"feedbackCount"`
	ValidationRate *float64  `json:"validationRate,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Screening is one immutable screener verdict for one agent.
type Screening struct {
	ID         string    `json:"id"`
	AgentID    string    `json:"agentId"`
	RiskLevel  string    `json:"riskLevel"` // TRUSTED / CAUTION / HIGH_RISK / UNVERIFIED
	Flags      []string  `json:"flags"`
	ScreenedAt time.Time `json:"screenedAt"`
}

// Alert records an anomaly or risk-level change detected by the screener.
type Alert struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agentId"`
	Type      string    `json:"type"` // risk_change, score_swing, feedback_burst, dormant_activity
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// Alert types raised by the screener.
const (
	AlertRiskChange      = "risk_change"
	AlertScoreSwing      = "score_swing"
	AlertFeedbackBurst   = "feedback_burst"
	AlertDormantActivity = "dormant_activity"
)

// ScoreUpdate carries one agent's recomputed score fields for bulk writes.
type ScoreUpdate struct {
	IdentityID     string
	CompositeScore float64
	Tier           string
	FeedbackCount  int
	AverageRating  float64
	ValidationRate *float64
	Rank           int
	CategoryRank   int
}

// AgentQuery filters ListAgents.
type AgentQuery struct {
	Category    string
	Tier        string
	MinScore    float64
	MinFeedback int
	OrderByRank bool
	Limit       int
	Offset      int
}

// EventQuery filters ListEvents.
type EventQuery struct {
	AgentID  string
	Reviewer string
	Since    time.Time
	Limit    int
	Offset   int
}

// Store persists all oracle rows. Postgres in production, memory in tests
// and development. Implementations must make InsertEvent, UpsertValidation,
// and SaveSnapshot safe to re-run with the same input.
type Store interface {
	// Agents
	UpsertAgent(ctx context.Context, a *Agent) error
	GetAgent(ctx context.Context, identityID string) (*Agent, error)
	ListAgents(ctx context.Context, q AgentQuery) ([]*Agent, error)
	ListAgentsPage(ctx context.Context, offset, limit int) ([]*Agent, error)
	ListAgentsByOwner(ctx context.Context, owner string) ([]*Agent, error)
	CountAgents(ctx context.Context) (int, error)
	SetAgentOwner(ctx context.Context, identityID, owner string) error
	RecordURIChange(ctx context.Context, identityID, newURI string) error
	UpdateScores(ctx context.Context, updates []ScoreUpdate) error
	MarkScreened(ctx context.Context, identityID string, at time.Time) error
	MarkLiveness(ctx context.Context, identityID string, at time.Time, score float64) error

	// Reputation events
	InsertEvent(ctx context.Context, e *ReputationEvent) (bool, error)
	ListEvents(ctx context.Context, q EventQuery) ([]*ReputationEvent, error)
	ListEventsPage(ctx context.Context, offset, limit int) ([]*ReputationEvent, error)
	CountEvents(ctx context.Context, agentID string) (int, error)

	// Validations
	UpsertValidationRequest(ctx context.Context, v *Validation) error
	CompleteValidation(ctx context.Context, validationID, validator string, isValid bool, at time.Time) error
	ListValidations(ctx context.Context, agentID string) ([]*Validation, error)

	// Score history
	SaveSnapshot(ctx context.Context, s *Snapshot) error
	ListSnapshots(ctx context.Context, agentID string, limit int) ([]*Snapshot, error)

	// Screenings and alerts
	InsertScreening(ctx context.Context, s *Screening) error
	LatestScreening(ctx context.Context, agentID string) (*Screening, error)
	ListUnscreened(ctx context.Context, limit int) ([]*Agent, error)
	ListScreenedBefore(ctx context.Context, before time.Time, limit int) ([]*Agent, error)
	ListLivenessDue(ctx context.Context, before time.Time, limit int) ([]*Agent, error)
	CountScreeningsSince(ctx context.Context, since time.Time) (int, error)
	InsertAlert(ctx context.Context, a *Alert) error
	ListAlertsSince(ctx context.Context, since time.Time, limit int) ([]*Alert, error)
	CountAlertsSince(ctx context.Context, since time.Time) (int, error)
}
