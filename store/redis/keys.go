package redis

import "strconv"

// Redis key naming conventions for conduit data.
// All keys are prefixed with "conduit:" to avoid collisions.

const keyPrefix = "conduit:"

// ── Job keys ──

// jobKey returns the key for a job entity: conduit:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// pendingKey returns the Sorted Set of registered job IDs for a service,
// scored by creation time: conduit:pending:{service}
func pendingKey(service string) string { return keyPrefix + "pending:" + service }

// workingKey is the Sorted Set of working job IDs scored by claim
// deadline, used by the expiry sweep.
const workingKey = keyPrefix + "working"

// jobIDsKey is the Set tracking all job IDs for enumeration.
const jobIDsKey = keyPrefix + "job_ids"

// ── Service keys ──

// serviceKey returns the key for a service entity: conduit:service:{name}
func serviceKey(name string) string { return keyPrefix + "service:" + name }

// serviceNamesKey is the Set tracking all service names for enumeration.
const serviceNamesKey = keyPrefix + "service_names"

// schemaVersionKey returns the key for one immutable schema pair:
// conduit:schema:{name}:{version}
func schemaVersionKey(name string, version int) string {
	return keyPrefix + "schema:" + name + ":" + strconv.Itoa(version)
}
