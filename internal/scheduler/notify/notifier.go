package notify

import "context"

// AttentionMessage is the payload sent when a series halts on a fatal
// error and waits for an operator.
type AttentionMessage struct {
	SeriesID      string            `json:"series_id"`
	MeteringPoint string            `json:"metering_point"`
	OBISCode      string            `json:"obis_code"`
	Kind          string            `json:"kind"`
	Reason        string            `json:"reason"`
	Watermark     string            `json:"watermark,omitempty"`
	Meta          map[string]string `json:"meta,omitempty"`
}

// Notifier sends notifications.
type Notifier interface {
	Notify(ctx context.Context, msg AttentionMessage) error
}
