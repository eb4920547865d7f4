package assistant

import (
	"context"

	"github.com/ent0n29/visitassist/internal/policy"
	"github.com/ent0n29/visitassist/internal/transcript"
)

// enqueueArchiveLocked queues a turn for the transcript archive. The archive is
// best effort: a full queue drops the record.
func (r *Router) enqueueArchiveLocked(supersede bool, t Turn, sessionID string) {
	if r.archiveQueue == nil || r.isClosed {
		return
	}
	content, changed := policy.RedactPII(t.Text)
	op := archiveOp{
		supersede: supersede,
		record: transcript.Record{
			ID:          t.ID,
			PanelID:     r.panelID,
			UserID:      r.userID,
			SessionID:   sessionID,
			Role:        string(t.Role),
			Content:     content,
			QueryType:   t.QueryType,
			IsError:     t.IsError,
			Superseded:  t.Superseded,
			PIIRedacted: changed,
			CreatedAt:   t.Timestamp,
		},
	}
	select {
	case r.archiveQueue <- op:
	default:
		r.metrics.IncPanelEvent("archive_dropped")
	}
}

// runArchive writes queued records in order so a supersede never overtakes
// the save of the same turn.
func (r *Router) runArchive() {
	defer close(r.archiveDone)
	for op := range r.archiveQueue {
		ctx, cancel := context.WithTimeout(context.Background(), archiveSaveTimeout)
		var err error
		if op.supersede {
			err = r.archive.SupersedeTurn(ctx, op.record.ID, op.record.Content, op.record.QueryType, op.record.PIIRedacted)
		} else {
			err = r.archive.SaveTurn(ctx, op.record)
		}
		cancel()
		if err != nil {
			r.metrics.IncPanelEvent("archive_save_failed")
			r.logger.Warn("transcript archive failed", "turn_id", op.record.ID, "error", err)
		}
	}
}
