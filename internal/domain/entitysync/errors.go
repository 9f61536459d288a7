package entitysync

import "errors"

// Domain errors for the entity sync context
var (
	ErrInvalidEntityType  = errors.New("entitysync: invalid entity type")
	ErrInvalidSide        = errors.New("entitysync: invalid side")
	ErrInvalidSystem      = errors.New("entitysync: invalid system")
	ErrInvalidAction      = errors.New("entitysync: invalid action")
	ErrInvalidTrigger     = errors.New("entitysync: invalid trigger type")
	ErrMissingEntityID    = errors.New("entitysync: entity id is required")
	ErrMissingEventID     = errors.New("entitysync: event id is required")
	ErrMappingWithoutIDs  = errors.New("entitysync: mapping needs at least one side id")
	ErrLogAlreadyTerminal = errors.New("entitysync: sync log is already in a terminal state")
	ErrLogLeftOpen        = errors.New("entitysync: attempt ended without closing its sync log")
	ErrJobNotDead         = errors.New("entitysync: only dead jobs can be requeued")
	ErrJobNotClaimable    = errors.New("entitysync: job is not pending or failed")
	ErrLeaseNotAcquired   = errors.New("entitysync: entity lease is held by another worker")
	ErrUnknownPolicy      = errors.New("entitysync: unknown conflict policy")
	ErrInvalidNaturalKey  = errors.New("entitysync: invalid natural key")
	ErrNoClient           = errors.New("entitysync: no client registered")
	ErrNoTransformer      = errors.New("entitysync: no transformer registered")
)
