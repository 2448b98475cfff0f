// Package testutil provides helpers shared by tapstream tests.
//
// MessageSink captures emitted protocol lines and parses them back into
// messages. FailingWriter and ShortWriter simulate broken sinks.
// MemoryBackend is an in-memory storage backend for batch tests, and
// UsersSchema and UserRows provide a small sample stream.
//
// Building with the integration tag adds NATSContainer, a JetStream-enabled
// NATS server started with testcontainers.
package testutil
