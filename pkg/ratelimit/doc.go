// Package ratelimit provides sliding-window limiters for run starts.
//
// SlidingWindow keeps its window in process memory and suits a single
// worker process. RedisWindow keeps the window in a Redis sorted set so
// every worker sharing the Redis instance draws from the same budget.
// Both satisfy worker.Limiter.
package ratelimit
