package hitl

import (
	"time"

	"github.com/BaSui01/agentgate/types"
)

// RequestType 定义了人工决策请求的类型。
type RequestType string

const (
	RequestTypeApproval RequestType = "approval"
	RequestTypeInput    RequestType = "input"
	RequestTypeDecision RequestType = "decision"
	RequestTypeReview   RequestType = "review"
)

// Status 代表请求的生命周期状态。
// RESOLVED / EXPIRED / CANCELLED 为终止状态，禁止任何后续迁移。
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusResolved   Status = "RESOLVED"
	StatusEscalated  Status = "ESCALATED"
	StatusExpired    Status = "EXPIRED"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal 报告该状态是否为终止状态。
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusExpired || s == StatusCancelled
}

// DecisionType 定义请求的决策规则。
type DecisionType string

const (
	DecisionSingleApprover DecisionType = "SINGLE_APPROVER"
	DecisionMajorityVote   DecisionType = "MAJORITY_VOTE"
	DecisionUnanimous      DecisionType = "UNANIMOUS"
)

// FallbackAction 是请求到期时通知执行侧采取的默认动作。
type FallbackAction string

const (
	FallbackContinue FallbackAction = "continue"
	FallbackHalt     FallbackAction = "halt"
	FallbackRetry    FallbackAction = "retry"
)

// VoteChoice 是一张选票的选项。
type VoteChoice string

const (
	VoteApprove VoteChoice = "approve"
	VoteReject  VoteChoice = "reject"
	VoteAbstain VoteChoice = "abstain"
)

// Vote 代表一位用户对一个请求的投票。
// (RequestID, UserID) 唯一；同一用户再次投票覆盖旧票，不会产生重复。
type Vote struct {
	RequestID string     `json:"request_id"`
	UserID    string     `json:"user_id"`
	Choice    VoteChoice `json:"choice"`
	Reason    string     `json:"reason,omitempty"`
	CastAt    time.Time  `json:"cast_at"`
}

// EscalationStep 是升级链中的一级：新的受理人集合与该级的超时时长。
type EscalationStep struct {
	Level         int           `json:"level"`
	AssigneeUsers []string      `json:"assignee_users,omitempty"`
	AssigneeRoles []string      `json:"assignee_roles,omitempty"`
	Timeout       time.Duration `json:"timeout"`
}

// Delegation 记录一次委派：请求在 from 与 to 之间转手，状态不变。
type Delegation struct {
	FromID string    `json:"from_id"`
	ToID   string    `json:"to_id"`
	At     time.Time `json:"at"`
}

// AuditEntry 是附加在请求上的只追加审计日志条目。
// 条目一经追加不可变；排序按时间戳，时间相同时按插入顺序。
type AuditEntry struct {
	Action    string         `json:"action"`
	ActorID   string         `json:"actor_id"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// Outcome 是请求解决后的结论。
type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeRejected Outcome = "rejected"
)

// Resolution 描述请求如何被解决，以及执行侧是否应当继续。
type Resolution struct {
	Outcome        Outcome        `json:"outcome"`
	ResolvedBy     string         `json:"resolved_by,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	Fallback       FallbackAction `json:"fallback,omitempty"`
	ShouldContinue bool           `json:"execution_should_continue"`
}

// Spec 是创建请求时的参数。
type Spec struct {
	Type          RequestType     `json:"type"`
	Decision      DecisionType    `json:"decision_type"`
	RequesterID   string          `json:"requester_id"`
	Title         string          `json:"title,omitempty"`
	Description   string          `json:"description,omitempty"`
	AssigneeUsers []string        `json:"assignee_users,omitempty"`
	AssigneeRoles []string        `json:"assignee_roles,omitempty"`
	Timeout       time.Duration   `json:"timeout,omitempty"`
	Chain         []EscalationStep `json:"escalation_chain,omitempty"`
	Fallback      FallbackAction  `json:"fallback,omitempty"`
}

// Request 代表一个人工决策请求及其全部可变状态。
// 请求由 Coordinator 独占持有；对外暴露的永远是快照副本。
type Request struct {
	ID            string           `json:"id"`
	TenantID      string           `json:"tenant_id"`
	ExecutionID   string           `json:"execution_id"`
	Type          RequestType      `json:"type"`
	Status        Status           `json:"status"`
	Decision      DecisionType     `json:"decision_type"`
	RequesterID   string           `json:"requester_id"`
	AssigneeID    string           `json:"assignee_id,omitempty"`
	AssigneeUsers []string         `json:"assignee_users,omitempty"`
	AssigneeRoles []string         `json:"assignee_roles,omitempty"`
	RequiredVotes int              `json:"required_votes"`
	Level         int              `json:"escalation_level"`
	Chain         []EscalationStep `json:"escalation_chain,omitempty"`
	Fallback      FallbackAction   `json:"fallback"`
	Title         string           `json:"title,omitempty"`
	Description   string           `json:"description,omitempty"`
	Revision      int64            `json:"revision"`
	CreatedAt     time.Time        `json:"created_at"`
	ExpiresAt     time.Time        `json:"expires_at"`
	AssignedAt    *time.Time       `json:"assigned_at,omitempty"`
	EscalatedAt   *time.Time       `json:"escalated_at,omitempty"`
	ResolvedAt    *time.Time       `json:"resolved_at,omitempty"`
	Resolution    *Resolution      `json:"resolution,omitempty"`
	Delegations   []Delegation     `json:"delegations,omitempty"`
	Votes         map[string]Vote  `json:"votes,omitempty"`
	Audit         []AuditEntry     `json:"audit,omitempty"`
}

// Clone 返回请求的深拷贝快照，读取方永远不会拿到活引用。
func (r *Request) Clone() *Request {
	cp := *r
	if r.AssignedAt != nil {
		t := *r.AssignedAt
		cp.AssignedAt = &t
	}
	if r.EscalatedAt != nil {
		t := *r.EscalatedAt
		cp.EscalatedAt = &t
	}
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		cp.ResolvedAt = &t
	}
	if r.Resolution != nil {
		res := *r.Resolution
		cp.Resolution = &res
	}
	cp.AssigneeUsers = append([]string(nil), r.AssigneeUsers...)
	cp.AssigneeRoles = append([]string(nil), r.AssigneeRoles...)
	cp.Chain = append([]EscalationStep(nil), r.Chain...)
	cp.Delegations = append([]Delegation(nil), r.Delegations...)
	cp.Audit = append([]AuditEntry(nil), r.Audit...)
	if r.Votes != nil {
		cp.Votes = make(map[string]Vote, len(r.Votes))
		for k, v := range r.Votes {
			cp.Votes[k] = v
		}
	}
	return &cp
}

// VoteSnapshot 返回当前投票集合的不可变副本，供共识计算使用。
func (r *Request) VoteSnapshot() []Vote {
	votes := make([]Vote, 0, len(r.Votes))
	for _, v := range r.Votes {
		votes = append(votes, v)
	}
	return votes
}

// EligibleVoters 返回当前级别下有资格投票的人数。
// 受理人集合在创建或升级时固定，RequiredVotes 以此为基准。
func (r *Request) EligibleVoters() int {
	n := len(r.AssigneeUsers)
	if n == 0 && r.AssigneeID != "" {
		n = 1
	}
	return n
}

// appendAudit 追加一条审计记录。仅由请求属主 goroutine 调用。
func (r *Request) appendAudit(action, actorID string, details map[string]any, at time.Time) {
	r.Audit = append(r.Audit, AuditEntry{
		Action:    action,
		ActorID:   actorID,
		Timestamp: at,
		Details:   details,
	})
}

// validate 在任何状态变更之前校验创建参数。
func (s *Spec) validate() error {
	switch s.Type {
	case RequestTypeApproval, RequestTypeInput, RequestTypeDecision, RequestTypeReview:
	default:
		return types.NewError(types.ErrCodeValidation, "unknown request type")
	}
	switch s.Decision {
	case DecisionSingleApprover, DecisionMajorityVote, DecisionUnanimous:
	default:
		return types.NewError(types.ErrCodeValidation, "unknown decision type")
	}
	if len(s.AssigneeUsers) == 0 && len(s.AssigneeRoles) == 0 {
		return types.NewError(types.ErrCodeValidation, "at least one assignee user or role is required")
	}
	if s.Decision != DecisionSingleApprover && len(s.AssigneeUsers) < 2 {
		return types.NewError(types.ErrCodeValidation, "vote-based decisions require at least two assignee users")
	}
	switch s.Fallback {
	case "", FallbackContinue, FallbackHalt, FallbackRetry:
	default:
		return types.NewError(types.ErrCodeValidation, "unknown fallback action")
	}
	for i := range s.Chain {
		step := &s.Chain[i]
		if step.Timeout <= 0 {
			return types.NewError(types.ErrCodeValidation, "escalation chain step timeout must be positive")
		}
		if len(step.AssigneeUsers) == 0 && len(step.AssigneeRoles) == 0 {
			return types.NewError(types.ErrCodeValidation, "escalation chain step requires at least one assignee user or role")
		}
	}
	return nil
}
