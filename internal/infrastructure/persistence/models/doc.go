// Package models contains the GORM persistence models behind the entity sync
// repositories. Domain entities in internal/domain/entitysync carry no ORM
// tags; each model converts to and from its entity with ToDomain and
// <Model>FromDomain.
//
// The postgres schema is owned by the SQL migrations under migrations/.
// EntitySyncModels feeds AutoMigrate for sqlite runs and tests.
package models
