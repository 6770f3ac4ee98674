package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense-sub005/agent/internal/client"
	"github.com/fabrice-guiot/shuttersense-sub005/agent/internal/store"
	"github.com/fabrice-guiot/shuttersense-sub005/shared/wire"
)

// SyncOutcome is the per-entry result of one sync pass.
type SyncOutcome struct {
	SpoolGUID  string
	ResultGUID string
	Err        error
}

// Sync uploads every pending spool entry, marking each one synced on
// acceptance. Failures leave the entry on disk; the pass continues with
// the next entry and reports per-item outcomes.
func Sync(ctx context.Context, c *client.Client, st *store.Store, logger *zap.Logger) ([]SyncOutcome, error) {
	log := logger.Named("sync")

	pending, err := st.ListPending()
	if err != nil {
		return nil, err
	}

	outcomes := make([]SyncOutcome, 0, len(pending))
	for _, entry := range pending {
		outcome := SyncOutcome{SpoolGUID: entry.GUID}
		outcome.ResultGUID, outcome.Err = syncOne(ctx, c, entry)
		if outcome.Err == nil {
			if err := st.MarkSynced(entry.GUID); err != nil {
				log.Warn("result uploaded but spool entry not marked synced",
					zap.String("spool_guid", entry.GUID), zap.Error(err))
			}
		} else {
			log.Warn("spool entry not synced",
				zap.String("spool_guid", entry.GUID), zap.Error(outcome.Err))
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

// syncOne uploads one offline result: report first (chunked, so the
// payload can reference it), then the payload inline or chunked.
func syncOne(ctx context.Context, c *client.Client, entry store.OfflineResult) (string, error) {
	raw := []byte(entry.Payload)

	if entry.Report != "" {
		uploadGUID, digest, err := c.Upload(ctx, wire.UploadKindReport, "", []byte(entry.Report))
		if err != nil {
			return "", fmt.Errorf("upload report: %w", err)
		}
		var payload wire.ResultPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return "", fmt.Errorf("parse spooled payload: %w", err)
		}
		payload.ReportUploadGUID = uploadGUID
		payload.ReportSHA256 = digest
		raw, err = json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("re-marshal payload: %w", err)
		}
	}

	req := wire.OfflineUploadRequest{}
	if len(raw) > wire.InlineResultLimit {
		uploadGUID, _, err := c.Upload(ctx, wire.UploadKindResult, "", raw)
		if err != nil {
			return "", fmt.Errorf("upload result: %w", err)
		}
		req.ResultUploadGUID = uploadGUID
	} else {
		req.Result = raw
	}

	resp, err := c.OfflineUpload(ctx, req)
	if err != nil {
		return "", err
	}
	return resp.ResultGUID, nil
}
