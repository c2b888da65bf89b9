// Package dedupe provides a generic time-bounded cache used to recognize
// repeated work: duplicate query submissions carrying the same
// Idempotency-Key, repeated clarification prompts and outstanding
// handoff tokens.
package dedupe
