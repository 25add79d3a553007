// 包 engine 提供多智能体工作流编排的图执行运行时。
//
// # 概述
//
// engine 以三种委派拓扑运行不透明的 Agent 单元：
//
//   - Supervisor: 顺序链或条件路由链，严格按声明顺序推进。
//   - Swarm: 全部成员并行执行于独立状态副本，屏障后由聚合器
//     （共识 / 投票 / 综合）合并结果。
//   - Hierarchical: CEO → Manager → Worker 三层委派，
//     由 Supervisor 与嵌套 Swarm 组合而成。
//
// # 核心约定
//
//   - ExecutionState 在一次运行内由执行器独占；并行分支各持有独立副本，
//     仅通过 Aggregator 在屏障处合并。
//   - Agent 错误始终被捕获为结构化错误值，按单元的 on_error 策略
//     （fail_fast / skip / default_value）处理，绝不以未捕获故障逃逸。
//   - 中断节点是唯一合法的挂起点：挂起即外化（状态快照 + 游标），
//     恢复通过显式 Resume 重入，而非阻塞的 goroutine。
//
// The visitation order for a fixed topology and fixed agent outputs is fully
// deterministic, which is what makes audit replay and history-based tests
// possible.
package engine
