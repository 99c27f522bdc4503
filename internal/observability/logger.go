// Package observability provides the structured logging, metrics,
// health, and tracing surface for the core, grounded on the teacher's
// internal/observability package — same structure, renamed to this
// domain's events.
package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{logger: logger}
}

// WithSession adds session_id context to the logger.
func (l *Logger) WithSession(sessionID string) *Logger {
	return &Logger{logger: l.logger.With().Str("session_id", sessionID).Logger()}
}

// WithGroup adds group_id context to the logger.
func (l *Logger) WithGroup(groupID string) *Logger {
	return &Logger{logger: l.logger.With().Str("group_id", groupID).Logger()}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) { l.logger.Debug().Msg(msg) }

// Info logs an info message.
func (l *Logger) Info(msg string) { l.logger.Info().Msg(msg) }

// Warn logs a warning message.
func (l *Logger) Warn(msg string) { l.logger.Warn().Msg(msg) }

// Error logs an error message.
func (l *Logger) Error(err error, msg string) { l.logger.Error().Err(err).Msg(msg) }

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(err error, msg string) { l.logger.Fatal().Err(err).Msg(msg) }

// SessionStarted logs a new capture session.
func (l *Logger) SessionStarted(sessionID, creator string, groupSet []string) {
	l.logger.Info().
		Str("session_id", sessionID).
		Str("creator", creator).
		Strs("group_set", groupSet).
		Msg("capture session started")
}

// ChunkAccepted logs a chunk durably captured, pre-pipeline.
func (l *Logger) ChunkAccepted(sessionID string, chunkIndex int, sizeBytes int) {
	l.logger.Debug().
		Str("session_id", sessionID).
		Int("chunk_index", chunkIndex).
		Int("size_bytes", sizeBytes).
		Msg("chunk accepted")
}

// ChunkUploaded logs a chunk's ciphertext landing in the object store.
func (l *Logger) ChunkUploaded(sessionID string, chunkIndex int, objectLocator string) {
	l.logger.Debug().
		Str("session_id", sessionID).
		Int("chunk_index", chunkIndex).
		Str("object_locator", objectLocator).
		Msg("chunk uploaded")
}

// ChunkAnchored logs a chunk's inclusion committed to the anchor log.
func (l *Logger) ChunkAnchored(sessionID string, chunkIndex int, rootHex string) {
	l.logger.Info().
		Str("session_id", sessionID).
		Int("chunk_index", chunkIndex).
		Str("merkle_root", rootHex).
		Msg("chunk anchored")
}

// ChunkPipelineFailed logs a pipeline failure handed off for retry.
func (l *Logger) ChunkPipelineFailed(sessionID string, chunkIndex int, err error, retryCount int) {
	l.logger.Error().
		Str("session_id", sessionID).
		Int("chunk_index", chunkIndex).
		Err(err).
		Int("retry_count", retryCount).
		Msg("chunk pipeline attempt failed")
}

// ChunkDecryptFailed logs a chunk decryption failure on the
// verification path.
func (l *Logger) ChunkDecryptFailed(sessionID string, chunkIndex int, errMsg string) {
	l.logger.Error().
		Str("session_id", sessionID).
		Int("chunk_index", chunkIndex).
		Str("error_message", errMsg).
		Msg("chunk decryption failed")
}

// SessionFinalized logs a session's final manifest being anchored.
func (l *Logger) SessionFinalized(sessionID string, chunkCount int, duration time.Duration, rootHex string) {
	l.logger.Info().
		Str("session_id", sessionID).
		Int("chunk_count", chunkCount).
		Float64("duration_seconds", duration.Seconds()).
		Str("merkle_root", rootHex).
		Msg("session finalized")
}

// SessionInterrupted logs a session transitioning to interrupted.
func (l *Logger) SessionInterrupted(sessionID, reason string) {
	l.logger.Warn().
		Str("session_id", sessionID).
		Str("reason", reason).
		Msg("session interrupted")
}

// QuotaWarning logs the durable store crossing a quota threshold.
func (l *Logger) QuotaWarning(level string, usedBytes, quotaBytes int64) {
	l.logger.Warn().
		Str("level", level).
		Int64("used_bytes", usedBytes).
		Int64("quota_bytes", quotaBytes).
		Msg("durable store quota threshold crossed")
}

// VerificationResult logs the outcome of a retrieval verification.
func (l *Logger) VerificationResult(contentID string, rootMatchesManifest, rootMatchesAnchor bool) {
	l.logger.Info().
		Str("content_id", contentID).
		Bool("root_matches_manifest", rootMatchesManifest).
		Bool("root_matches_anchor", rootMatchesAnchor).
		Msg("verification completed")
}

func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
