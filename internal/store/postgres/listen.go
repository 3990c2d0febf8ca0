package postgres

import (
	"context"
	"encoding/json"
	"log"

	"nirnoy/realtime-service/internal/changefeed"
)

// Changes opens a dedicated connection, LISTENs on the store's channel and
// streams decoded row changes. The returned channel closes when the
// connection drops; the bridge handles reopening.
func (s *Store) Changes(ctx context.Context) (<-chan changefeed.Raw, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(ctx, "LISTEN "+sanitizeChannel(s.channel)); err != nil {
		conn.Release()
		return nil, err
	}

	changes := make(chan changefeed.Raw, 64)
	go func() {
		defer close(changes)
		defer conn.Release()
		for {
			notification, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("changefeed: listen connection lost: %v", err)
				}
				return
			}
			var raw changefeed.Raw
			if err := json.Unmarshal([]byte(notification.Payload), &raw); err != nil {
				log.Printf("changefeed: malformed payload on %s: %v", notification.Channel, err)
				continue
			}
			select {
			case changes <- raw:
			case <-ctx.Done():
				return
			}
		}
	}()
	return changes, nil
}

// sanitizeChannel keeps the LISTEN identifier to a safe character set;
// channel names come from config, not user input.
func sanitizeChannel(channel string) string {
	clean := make([]rune, 0, len(channel))
	for _, r := range channel {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			clean = append(clean, r)
		}
	}
	if len(clean) == 0 {
		return "queue_changes"
	}
	return string(clean)
}
