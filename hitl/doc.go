// Package hitl 提供 Human-in-the-Loop 决策请求的完整生命周期管理。
//
// 该包用于在代理执行过程中注入人工决策节点：请求创建、指派与委派、
// 多方投票（单人审批 / 多数票 / 全体一致）、超时升级链与到期回退。
// 每个请求由单一 goroutine 串行处理全部状态变更，投票、升级与解决
// 之间不存在数据竞争；共识计算只读取投票快照。
//
// 持久化通过 RequestStore 协作者接口完成（内存 / Redis / GORM 实现），
// 采用写前意图策略：先变更内存状态并广播，再异步持久化重试。
package hitl
