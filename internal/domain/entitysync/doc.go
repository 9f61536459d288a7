// Package entitysync contains the Entity Sync bounded context.
// This context keeps CRM records (side A) and Finance records (side B)
// eventually consistent in both directions.
//
// Key concepts:
//   - EntityMapping: Entity correlating one logical record across both systems
//   - SyncLog: Audit row for a single sync attempt, immutable once terminal
//   - SyncJob: Durable queue entry carrying a validated JobPayload
//   - LoopDetector / ConflictResolver: Domain services gating a sync attempt
//   - EntityClient, Transformer, LeaseManager: Ports implemented by adapters
//
// Design Pattern: Ports & Adapters
//   - Ports (interfaces) are defined here in the domain layer
//   - Adapters (implementations) are in the infrastructure layer
package entitysync
