package postgres

import "context"

type webhookEventsRepo struct{ db DBTX }

func (r *webhookEventsRepo) Record(ctx context.Context, source, eventID string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO webhook_events(source, event_id) VALUES($1,$2) ON CONFLICT DO NOTHING`,
		source, eventID,
	)
	if err != nil {
		return false, mapErr(err)
	}
	return tag.RowsAffected() == 1, nil
}
