// Package progress tracks course progress for one learner: viewed lessons,
// completion, the one-time completion certificate, quiz results and the
// achievements they unlock.
//
// State lives behind Store, a small key/value interface. MemoryStore serves
// tests, SQLiteStore a single learner's machine and RedisStore the server.
package progress
