package cron

import (
	"fmt"
	"time"

	"github.com/obsidianmentor/mentor-api/model"
)

// staleMessageThreshold is how long an assistant message may stay in a
// non-terminal state before the reaper fails it. Process crashes and
// lost workers are the only way to get here; live turns finish or fail
// well inside the completion timeout.
const staleMessageThreshold = 10 * time.Minute

// ReapStaleMessages transitions assistant messages stuck in thinking or
// streaming to failed so no message stays non-terminal across crashes
func (m *CronManager) ReapStaleMessages() {
	jobName := "reap_stale_messages"

	cutoff := time.Now().Add(-staleMessageThreshold)

	result := m.db.Model(&model.ChatMessage{}).
		Where("role = ?", model.MessageRoleAssistant).
		Where("status IN ?", []string{
			string(model.MessageStatusThinking),
			string(model.MessageStatusStreaming),
		}).
		Where("updated_at < ?", cutoff).
		Updates(map[string]interface{}{
			"status":     model.MessageStatusFailed,
			"content":    "The assistant did not finish generating a response.",
			"latency_ms": int(staleMessageThreshold.Milliseconds()),
		})

	if result.Error != nil {
		m.logJobError(jobName, fmt.Errorf("failed to reap stale messages: %w", result.Error))
		return
	}

	m.logJobComplete(jobName, fmt.Sprintf("Failed %d stale messages", result.RowsAffected))
}
