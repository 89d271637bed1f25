// Package orchestrator coordinates independent specialized workers under a
// single delegator that assigns work, tolerates failure, and synthesizes
// disagreeing results without forcing consensus.
//
// Architecture notes:
//   - The registry is the only writer of worker state; metrics mutate solely
//     at task completion or failure under the registry lock.
//   - Task execution is wrapped in a refine.Loop whose evaluation step is a
//     self-audit of the result against the task's success criteria.
//   - Synthesis records every detected conflict; a conflict is either
//     resolved with recorded reasoning or preserved, never dropped.
//   - Four delegation patterns (fan-out, serial chain, recursive
//     decomposition, competitive exploration) share a wait-for-all barrier
//     that collects partial failures instead of cancelling siblings.
package orchestrator
