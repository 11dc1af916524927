package hitl

// 共识计算为纯函数：只读取投票快照，不持有任何请求状态。
// RequiredVotes 在请求创建（或升级换届）时根据受理人数固定。

// Tally 是一次投票集合的计数结果。弃权计入总票数但不计入赞成。
type Tally struct {
	Total       int
	Approvals   int
	Rejections  int
	Abstentions int
}

// CountVotes 统计投票快照。
func CountVotes(votes []Vote) Tally {
	var t Tally
	for _, v := range votes {
		t.Total++
		switch v.Choice {
		case VoteApprove:
			t.Approvals++
		case VoteReject:
			t.Rejections++
		case VoteAbstain:
			t.Abstentions++
		}
	}
	return t
}

// Verdict 是共识计算的结论。Decided 为 false 时继续等待投票。
type Verdict struct {
	Decided bool
	Outcome Outcome
	Reason  string
}

// Evaluate 根据决策类型与当前投票判断阈值是否达成。
//
// SINGLE_APPROVER：出现第一张赞成或反对票即刻决出。
// MAJORITY_VOTE：赞成票达到 requiredVotes/2+1 即为通过（此后无论剩余
// 投票如何都不可能翻转）；当剩余可投票数已无法凑成多数时提前判负。
// UNANIMOUS：任何一张反对票立即判负，无需等待满额；弃权使全体一致
// 永远无法达成，同样提前判负；赞成票满额且全票一致则通过。
func Evaluate(decision DecisionType, requiredVotes, eligibleVoters int, votes []Vote) Verdict {
	tally := CountVotes(votes)
	switch decision {
	case DecisionSingleApprover:
		return evaluateSingle(votes)
	case DecisionMajorityVote:
		return evaluateMajority(tally, requiredVotes, eligibleVoters)
	case DecisionUnanimous:
		return evaluateUnanimous(tally, requiredVotes)
	default:
		return Verdict{}
	}
}

func evaluateSingle(votes []Vote) Verdict {
	// 选票快照无序，取最早的非弃权票，保证结果与投票顺序一致。
	var first *Vote
	for i := range votes {
		v := &votes[i]
		if v.Choice == VoteAbstain {
			continue
		}
		if first == nil || v.CastAt.Before(first.CastAt) {
			first = v
		}
	}
	if first == nil {
		return Verdict{}
	}
	if first.Choice == VoteApprove {
		return Verdict{Decided: true, Outcome: OutcomeApproved, Reason: "approved by " + first.UserID}
	}
	return Verdict{Decided: true, Outcome: OutcomeRejected, Reason: "rejected by " + first.UserID}
}

func evaluateMajority(tally Tally, requiredVotes, eligibleVoters int) Verdict {
	if requiredVotes <= 0 {
		requiredVotes = 1
	}
	if eligibleVoters < requiredVotes {
		eligibleVoters = requiredVotes
	}
	majorityNeeded := requiredVotes/2 + 1

	// 赞成既要达到法定多数，也要超过已投总票数的一半，
	// 升级换人扩大受理人后少数票不能先行通过。
	if tally.Approvals >= majorityNeeded && tally.Approvals*2 > tally.Total {
		return Verdict{Decided: true, Outcome: OutcomeApproved, Reason: "majority reached"}
	}
	// 剩余选票全部投赞成也无法达到多数：提前判负。
	remaining := eligibleVoters - tally.Total
	if remaining < 0 {
		remaining = 0
	}
	if tally.Approvals+remaining < majorityNeeded {
		return Verdict{Decided: true, Outcome: OutcomeRejected, Reason: "majority unreachable"}
	}
	// 已达法定票数但赞成不过半，且后续投票仍可能凑成多数时继续等待。
	if tally.Total >= requiredVotes && remaining == 0 {
		return Verdict{Decided: true, Outcome: OutcomeRejected, Reason: "no majority at full participation"}
	}
	return Verdict{}
}

func evaluateUnanimous(tally Tally, requiredVotes int) Verdict {
	if requiredVotes <= 0 {
		requiredVotes = 1
	}
	if tally.Rejections > 0 {
		return Verdict{Decided: true, Outcome: OutcomeRejected, Reason: "unanimity broken by rejection"}
	}
	if tally.Abstentions > 0 {
		return Verdict{Decided: true, Outcome: OutcomeRejected, Reason: "unanimity unreachable after abstention"}
	}
	if tally.Total >= requiredVotes && tally.Approvals == tally.Total {
		return Verdict{Decided: true, Outcome: OutcomeApproved, Reason: "unanimous approval"}
	}
	return Verdict{}
}
