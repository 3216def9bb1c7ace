package db

import "time"

const channelColumns = `id, platform, plugin_id, name, status, webhook_url, created_at, updated_at`

func scanChannel(row interface{ Scan(...any) error }) (*Channel, error) {
	ch := &Channel{}
	err := row.Scan(&ch.ID, &ch.Platform, &ch.PluginID, &ch.Name, &ch.Status, &ch.WebhookURL, &ch.CreatedAt, &ch.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// CreateChannel persists a new channel
func (db *DB) CreateChannel(ch *Channel) error {
	now := time.Now()
	ch.CreatedAt = now
	ch.UpdatedAt = now
	_, err := db.conn.Exec(`
		INSERT INTO channels (id, platform, plugin_id, name, status, webhook_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, ch.ID, ch.Platform, ch.PluginID, ch.Name, ch.Status, ch.WebhookURL, now, now)
	return err
}

// GetChannel retrieves a channel by ID
func (db *DB) GetChannel(id string) (*Channel, error) {
	row := db.conn.QueryRow(`SELECT `+channelColumns+` FROM channels WHERE id = ?`, id)
	return scanChannel(row)
}

// GetChannelByPluginID retrieves a channel by its transport handle
func (db *DB) GetChannelByPluginID(pluginID string) (*Channel, error) {
	row := db.conn.QueryRow(`SELECT `+channelColumns+` FROM channels WHERE plugin_id = ?`, pluginID)
	return scanChannel(row)
}

// ListChannels retrieves all channels in creation order
func (db *DB) ListChannels() ([]*Channel, error) {
	rows, err := db.conn.Query(`SELECT ` + channelColumns + ` FROM channels ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []*Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// UpdateChannel updates a channel
func (db *DB) UpdateChannel(ch *Channel) error {
	ch.UpdatedAt = time.Now()
	_, err := db.conn.Exec(`
		UPDATE channels SET platform = ?, plugin_id = ?, name = ?, status = ?, webhook_url = ?, updated_at = ?
		WHERE id = ?
	`, ch.Platform, ch.PluginID, ch.Name, ch.Status, ch.WebhookURL, ch.UpdatedAt, ch.ID)
	return err
}

// DeleteChannel deletes a channel
func (db *DB) DeleteChannel(id string) error {
	_, err := db.conn.Exec("DELETE FROM channels WHERE id = ?", id)
	return err
}
