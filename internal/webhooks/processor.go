package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"fitsync/internal/database"
	"fitsync/internal/metrics"
)

// OptFloat is a float that tolerates absent, null, or malformed upstream
// values. Unmarshaling never fails; anything unparseable stays unset.
type OptFloat struct {
	Value float64
	Set   bool
}

func (o *OptFloat) UnmarshalJSON(b []byte) error {
	var v float64
	if err := json.Unmarshal(b, &v); err == nil {
		o.Value, o.Set = v, true
	}
	return nil
}

// Ptr returns the value as a nullable pointer for storage
func (o OptFloat) Ptr() *float64 {
	if !o.Set {
		return nil
	}
	v := o.Value
	return &v
}

// OptInt is the integer counterpart of OptFloat
type OptInt struct {
	Value int64
	Set   bool
}

func (o *OptInt) UnmarshalJSON(b []byte) error {
	var v int64
	if err := json.Unmarshal(b, &v); err == nil {
		o.Value, o.Set = v, true
	}
	return nil
}

func (o OptInt) Ptr() *int64 {
	if !o.Set {
		return nil
	}
	v := o.Value
	return &v
}

// ActivityNotification is one activity summary in a push delivery
type ActivityNotification struct {
	UserAccessToken    string   `json:"userAccessToken"`
	SummaryID          string   `json:"summaryId"`
	ActivityName       string   `json:"activityName"`
	ActivityType       string   `json:"activityType"`
	StartTime          OptInt   `json:"startTimeInSeconds"`
	Duration           OptInt   `json:"durationInSeconds"`
	Distance           OptFloat `json:"distanceInMeters"`
	AverageSpeed       OptFloat `json:"averageSpeedInMetersPerSecond"`
	MaxSpeed           OptFloat `json:"maxSpeedInMetersPerSecond"`
	AverageHeartRate   OptFloat `json:"averageHeartRateInBeatsPerMinute"`
	MaxHeartRate       OptFloat `json:"maxHeartRateInBeatsPerMinute"`
	ActiveKilocalories OptFloat `json:"activeKilocalories"`
	ElevationGain      OptFloat `json:"totalElevationGainInMeters"`
}

// wellnessNotification covers dailies, epochs and sleeps. These are logged
// for later processing; only the identifying fields are parsed.
type wellnessNotification struct {
	UserAccessToken string `json:"userAccessToken"`
	SummaryID       string `json:"summaryId"`
	CalendarDate    string `json:"calendarDate"`
}

type deregistrationNotification struct {
	UserAccessToken string `json:"userAccessToken"`
}

// Result summarizes one processed delivery
type Result struct {
	Activities      int `json:"activities"`
	Dailies         int `json:"dailies"`
	Sleeps          int `json:"sleeps"`
	Deregistrations int `json:"deregistrations"`
	Duplicates      int `json:"duplicates"`
	Skipped         int `json:"skipped"`
}

// Processor handles Garmin push deliveries. Processing is idempotent: every
// notification lands in the webhook event log keyed for dedupe, and activity
// upserts overwrite on conflict.
type Processor struct {
	db     *database.DB
	logger *slog.Logger
}

// NewProcessor creates a webhook processor
func NewProcessor(db *database.DB) *Processor {
	return &Processor{db: db, logger: slog.Default()}
}

// Process handles one delivery body. Unknown keys and unresolvable users are
// logged and skipped; the delivery as a whole never fails once the body
// parses as a JSON object.
func (p *Processor) Process(ctx context.Context, body []byte) (*Result, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("malformed webhook body: %w", err)
	}

	result := &Result{}
	for key, raw := range envelope {
		switch key {
		case "activities":
			p.processActivities(raw, result)
		case "dailies", "epochs":
			p.processWellness(raw, metrics.KindDaily, &result.Dailies, result)
		case "sleeps":
			p.processWellness(raw, metrics.KindSleep, &result.Sleeps, result)
		case "deregistrations":
			p.processDeregistrations(raw, result)
		default:
			p.logger.Warn("unknown webhook payload key ignored", "key", key)
			metrics.WebhookNotificationsTotal.WithLabelValues(metrics.KindUnknown).Inc()
		}
	}
	return result, nil
}

func (p *Processor) processActivities(raw json.RawMessage, result *Result) {
	for _, item := range splitItems(raw, p.logger, "activities") {
		var n ActivityNotification
		if err := json.Unmarshal(item, &n); err != nil {
			p.logger.Warn("malformed activity notification skipped", "error", err)
			result.Skipped++
			continue
		}
		metrics.WebhookNotificationsTotal.WithLabelValues(metrics.KindActivity).Inc()

		cred := p.resolveUser(n.UserAccessToken, metrics.KindActivity, result)
		if cred == nil {
			continue
		}

		key := fmt.Sprintf("activity:%d:%s", cred.UserID, n.SummaryID)
		p.logEvent(key, metrics.KindActivity, item, result)

		err := p.db.UpsertActivity(database.ProviderGarmin, &database.RawActivity{
			UserID:             cred.UserID,
			ProviderActivityID: n.SummaryID,
			Name:               n.ActivityName,
			ActivityType:       n.ActivityType,
			StartDate:          n.StartTime.Value,
			Distance:           n.Distance.Ptr(),
			MovingTime:         n.Duration.Ptr(),
			ElapsedTime:        n.Duration.Ptr(),
			AverageSpeed:       n.AverageSpeed.Ptr(),
			MaxSpeed:           n.MaxSpeed.Ptr(),
			AverageHeartrate:   n.AverageHeartRate.Ptr(),
			MaxHeartrate:       n.MaxHeartRate.Ptr(),
			Calories:           n.ActiveKilocalories.Ptr(),
			ElevationGain:      n.ElevationGain.Ptr(),
		})
		if err != nil {
			p.logger.Error("failed to upsert webhook activity", "summary_id", n.SummaryID, "error", err)
			result.Skipped++
			continue
		}
		result.Activities++
	}
}

// processWellness logs dailies and sleeps without materializing them.
// A consumer for these summary kinds can replay them from the event log.
func (p *Processor) processWellness(raw json.RawMessage, kind string, counter *int, result *Result) {
	for _, item := range splitItems(raw, p.logger, kind) {
		var n wellnessNotification
		if err := json.Unmarshal(item, &n); err != nil {
			p.logger.Warn("malformed wellness notification skipped", "kind", kind, "error", err)
			result.Skipped++
			continue
		}
		metrics.WebhookNotificationsTotal.WithLabelValues(kind).Inc()

		cred := p.resolveUser(n.UserAccessToken, kind, result)
		if cred == nil {
			continue
		}

		key := fmt.Sprintf("%s:%d:%s:%s", kind, cred.UserID, n.SummaryID, n.CalendarDate)
		p.logEvent(key, kind, item, result)
		*counter++
	}
}

func (p *Processor) processDeregistrations(raw json.RawMessage, result *Result) {
	for _, item := range splitItems(raw, p.logger, "deregistrations") {
		var n deregistrationNotification
		if err := json.Unmarshal(item, &n); err != nil {
			p.logger.Warn("malformed deregistration skipped", "error", err)
			result.Skipped++
			continue
		}
		metrics.WebhookNotificationsTotal.WithLabelValues(metrics.KindDeregistration).Inc()

		cred := p.resolveUser(n.UserAccessToken, metrics.KindDeregistration, result)
		if cred == nil {
			continue
		}

		key := fmt.Sprintf("deregistration:%d", cred.UserID)
		p.logEvent(key, metrics.KindDeregistration, item, result)

		if err := p.db.DeleteCredential(cred.UserID, database.ProviderGarmin); err != nil {
			p.logger.Error("failed to delete deregistered credential", "user_id", cred.UserID, "error", err)
			result.Skipped++
			continue
		}
		p.logger.Info("user deregistered", "user_id", cred.UserID)
		result.Deregistrations++
	}
}

// resolveUser maps a delivery's userAccessToken to a stored credential.
// An unknown token is logged and the notification dropped; the delivery
// still succeeds.
func (p *Processor) resolveUser(accessToken, kind string, result *Result) *database.Credential {
	cred, err := p.db.GetCredentialByAccessToken(database.ProviderGarmin, accessToken)
	if err != nil {
		p.logger.Error("failed to resolve webhook user", "kind", kind, "error", err)
		result.Skipped++
		return nil
	}
	if cred == nil {
		p.logger.Warn("webhook notification for unknown user", "kind", kind)
		result.Skipped++
		return nil
	}
	return cred
}

func (p *Processor) logEvent(key, kind string, raw json.RawMessage, result *Result) {
	inserted, err := p.db.InsertWebhookEvent(database.ProviderGarmin, key, kind, raw)
	if err != nil {
		p.logger.Error("failed to log webhook event", "key", key, "error", err)
		return
	}
	if !inserted {
		metrics.WebhookDuplicatesTotal.Inc()
		result.Duplicates++
	}
}

func splitItems(raw json.RawMessage, logger *slog.Logger, key string) []json.RawMessage {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		logger.Warn("webhook payload key is not a list, ignored", "key", key, "error", err)
		return nil
	}
	return items
}
