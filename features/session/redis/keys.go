// Package redis implements the session ports on Redis: the keyed ephemeral
// store (recent window, summary, facts), the session registry, the per-session
// event log with its consumer group, and the distributed session lock.
//
// Key layout:
//
//	session:<id>:recent    list of JSON encoded messages, oldest first
//	session:<id>:summary   hash {text, updated_at}
//	session:<id>:facts     list of facts, most recent first
//	session:<id>:events    stream consumed by the worker group
//	session:<id>:fanout    pub/sub channel (features/stream/redis)
//	session:<id>:eventlog  broadcast audit stream (features/stream/pulse)
//	lock:session:<id>      lock owner token
//	sessions:known         set of registered session ids
package redis

// RegistryKey is the set holding every known session id.
const RegistryKey = "sessions:known"

// pulseStreamPrefix is the prefix Pulse applies to stream names.
const pulseStreamPrefix = "pulse:stream:"

// RecentKey returns the key of the session recent window.
func RecentKey(sessionID string) string { return "session:" + sessionID + ":recent" }

// SummaryKey returns the key of the session summary hash.
func SummaryKey(sessionID string) string { return "session:" + sessionID + ":summary" }

// FactsKey returns the key of the session facts list.
func FactsKey(sessionID string) string { return "session:" + sessionID + ":facts" }

// EventsKey returns the key of the session event stream.
func EventsKey(sessionID string) string { return "session:" + sessionID + ":events" }

// FanoutChannel returns the pub/sub channel of the session.
func FanoutChannel(sessionID string) string { return "session:" + sessionID + ":fanout" }

// EventLogStream returns the name of the session audit stream. Pulse stores
// it under EventLogKey.
func EventLogStream(sessionID string) string { return "session:" + sessionID + ":eventlog" }

// EventLogKey returns the Redis key backing the session audit stream.
func EventLogKey(sessionID string) string { return pulseStreamPrefix + EventLogStream(sessionID) }

// LockKey returns the key of the session lock.
func LockKey(sessionID string) string { return "lock:session:" + sessionID }

// sessionKeys returns every key sharing the session sliding TTL.
func sessionKeys(sessionID string) []string {
	return []string{
		RecentKey(sessionID),
		SummaryKey(sessionID),
		FactsKey(sessionID),
		EventsKey(sessionID),
		EventLogKey(sessionID),
	}
}
