// Package resultcache keeps one brand result record per storage key with a
// time-based validity window.
//
// A record is the caller's payload plus a "timestamp" field in unix
// milliseconds, stored as a flat JSON object. Reads after timestamp+TTL
// delete the record and report absence. Update re-stamps the record, so the
// TTL counts from the last write, not from creation.
//
// Storage failures never surface from Get: unreadable or undecodable
// records read as absent. Set and Clear return errors so callers can react,
// but ignoring them keeps the fail-open behaviour.
package resultcache
