package jobs

import (
	"encoding/json"
	"fmt"
)

// payloadVersion tags every stored payload so rows written by an older binary
// are either still readable or rejected loudly, never misparsed.
const payloadVersion = 1

type channelMessagePayload struct {
	V         int     `json:"v"`
	ChannelID string  `json:"channel_id"`
	Message   Message `json:"message"`
}

type reminderPayload struct {
	V         int    `json:"v"`
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	Text      string `json:"text"`
}

func encodeChannelMessage(channelID string, msg Message) ([]byte, error) {
	b, err := json.Marshal(channelMessagePayload{
		V:         payloadVersion,
		ChannelID: channelID,
		Message:   msg,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding channel message payload: %w", err)
	}
	return b, nil
}

func decodeChannelMessage(data []byte) (*channelMessagePayload, error) {
	p := &channelMessagePayload{}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("decoding channel message payload: %w", err)
	}
	if p.V != payloadVersion {
		return nil, fmt.Errorf("unsupported channel message payload version %d", p.V)
	}
	return p, nil
}

func encodeReminder(channelID, userID, text string) ([]byte, error) {
	b, err := json.Marshal(reminderPayload{
		V:         payloadVersion,
		ChannelID: channelID,
		UserID:    userID,
		Text:      text,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding reminder payload: %w", err)
	}
	return b, nil
}

func decodeReminder(data []byte) (*reminderPayload, error) {
	p := &reminderPayload{}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("decoding reminder payload: %w", err)
	}
	if p.V != payloadVersion {
		return nil, fmt.Errorf("unsupported reminder payload version %d", p.V)
	}
	return p, nil
}
