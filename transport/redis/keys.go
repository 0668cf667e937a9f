package redis

// Redis key naming conventions. All keys are prefixed with "conveyor:"
// to avoid collisions.

const keyPrefix = "conveyor:"

// jobKey returns the Hash key for a job record: conveyor:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// readyKey returns the Sorted Set of dispatchable jobs for a type:
// conveyor:ready:{type}. Score is -priority plus a time fraction so
// ZPopMin yields highest priority first, oldest first within a priority.
func readyKey(typ string) string { return keyPrefix + "ready:" + typ }

// scheduledKey returns the Sorted Set of not-yet-due jobs for a type:
// conveyor:scheduled:{type}. Score is AvailableAt in unix milliseconds.
func scheduledKey(typ string) string { return keyPrefix + "scheduled:" + typ }

// jobIDsKey is the Set tracking all job IDs for enumeration.
const jobIDsKey = keyPrefix + "job_ids"

// typesKey is the Set tracking all job types seen, so promotion can walk
// every scheduled set without scanning the keyspace.
const typesKey = keyPrefix + "types"
