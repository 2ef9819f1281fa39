// Component for caching arbitrary data (as JSON strings) with a fixed TTL and purging.
//
// Includes an interface and implementations using redis and in-process memory.
//
// The moderation engine caches external classifier results here, keyed by a hash of the submitted content, so repeated copies of the same spam message don't each cost an LLM call.
package cachestore
