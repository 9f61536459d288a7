// Package entitysync holds the application services of the CRM/Finance sync:
// the per-entity orchestrator, trigger ingestion, polling and the job runner
// driven by the queue dispatcher.
package entitysync
