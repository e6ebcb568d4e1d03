package budget

import "github.com/cortexflow/engine/emit"

// LogChannel emits every alert through an emit.Emitter instead of a
// remote endpoint — the always-available fallback channel when no
// external one is configured, per original_source's NotificationChannel
// ladder (Log/Email/Webhook/Slack/Discord).
type LogChannel struct {
	Emitter emit.Emitter
}

func (c LogChannel) Name() string { return "log" }

func (c LogChannel) Notify(alert Alert) error {
	if c.Emitter == nil {
		return nil
	}
	c.Emitter.Emit(emit.Event{Msg: "budget_alert_log", Meta: map[string]interface{}{
		"scope":   alert.Scope,
		"message": alert.Message,
	}})
	return nil
}

// WebhookChannel posts alerts to a configured URL. The actual HTTP
// delivery is left to the caller-supplied Send func so tests never need
// a live network endpoint.
type WebhookChannel struct {
	URL  string
	Send func(url string, alert Alert) error
}

func (c WebhookChannel) Name() string { return "webhook:" + c.URL }

func (c WebhookChannel) Notify(alert Alert) error {
	if c.Send == nil {
		return nil
	}
	return c.Send(c.URL, alert)
}
