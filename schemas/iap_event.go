package schemas

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	EventVersion = "1.0.0"
	EventName    = "iap_transaction"

	// TimestampLayout renders local wall-clock time with microseconds and no offset.
	TimestampLayout = "2006-01-02T15:04:05.000000"

	// parseLayout also accepts timestamps without fractional seconds.
	parseLayout = "2006-01-02T15:04:05"
)

// IAPEvent is one synthetic in-app purchase telemetry record.
// EventData is nil for deliberately incomplete events.
type IAPEvent struct {
	EventVersion   string     `json:"event_version"`
	EventID        string     `json:"event_id"`
	EventName      string     `json:"event_name"`
	EventTimestamp string     `json:"event_timestamp"`
	AppVersion     string     `json:"app_version"`
	EventData      *EventData `json:"event_data,omitempty"`
}

// EventData is the purchase payload of an IAPEvent.
type EventData struct {
	ItemVersion   int     `json:"item_version"`
	CountryID     string  `json:"country_id"`
	CurrencyType  string  `json:"currency_type"`
	BundleName    string  `json:"bundle_name"`
	Amount        float64 `json:"amount"`
	Platform      string  `json:"platform"`
	TransactionID string  `json:"transaction_id"`
}

// FormatTimestamp renders t in the event_timestamp format.
func FormatTimestamp(t time.Time) string {
	return t.Local().Format(TimestampLayout)
}

// ParseTimestamp reads an event_timestamp as local time.
func ParseTimestamp(s string) (time.Time, error) {
	return time.ParseInLocation(parseLayout, s, time.Local)
}

// ParseIAPEvent decodes and validates a raw JSON byte slice.
func ParseIAPEvent(data []byte) (*IAPEvent, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()

	var event IAPEvent
	if err := decoder.Decode(&event); err != nil {
		return nil, fmt.Errorf("json decode error: %w", err)
	}

	if err := event.Validate(); err != nil {
		return nil, fmt.Errorf("validation error: %w", err)
	}

	return &event, nil
}

// Validate enforces the wire contract, including the presence of event_data.
func (e *IAPEvent) Validate() error {
	if e.EventVersion != EventVersion {
		return fmt.Errorf("event_version must be %q (got %q)", EventVersion, e.EventVersion)
	}
	if e.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if _, err := uuid.Parse(e.EventID); err != nil {
		return fmt.Errorf("event_id invalid: %w", err)
	}
	if e.EventName != EventName {
		return fmt.Errorf("event_name must be %q (got %q)", EventName, e.EventName)
	}
	if e.EventTimestamp == "" {
		return fmt.Errorf("event_timestamp is required")
	}
	if _, err := ParseTimestamp(e.EventTimestamp); err != nil {
		return fmt.Errorf("event_timestamp invalid: %w", err)
	}
	if !contains(AppVersions, e.AppVersion) {
		return fmt.Errorf("app_version %q is unknown", e.AppVersion)
	}

	if e.EventData == nil {
		return fmt.Errorf("event_data is required")
	}
	if err := e.EventData.Validate(); err != nil {
		return fmt.Errorf("event_data: %w", err)
	}
	if e.EventData.TransactionID == e.EventID {
		return fmt.Errorf("transaction_id must differ from event_id")
	}
	return nil
}

// Validate checks the payload fields and the values derived from them.
func (d *EventData) Validate() error {
	if d.ItemVersion < 1 || d.ItemVersion > 2 {
		return fmt.Errorf("item_version must be 1 or 2 (got %d)", d.ItemVersion)
	}

	currency, ok := CurrencyFor(d.CountryID)
	if !ok {
		return fmt.Errorf("country_id %q is unknown", d.CountryID)
	}
	if d.CurrencyType != currency {
		return fmt.Errorf("currency_type for %s must be %s (got %q)", d.CountryID, currency, d.CurrencyType)
	}

	price, ok := PriceFor(d.BundleName)
	if !ok {
		return fmt.Errorf("bundle_name %q is unknown", d.BundleName)
	}
	if d.Amount != price {
		return fmt.Errorf("amount for %s must be %.2f (got %v)", d.BundleName, price, d.Amount)
	}

	if !contains(Platforms, d.Platform) {
		return fmt.Errorf("platform %q is unknown", d.Platform)
	}

	if d.TransactionID == "" {
		return fmt.Errorf("transaction_id is required")
	}
	if _, err := uuid.Parse(d.TransactionID); err != nil {
		return fmt.Errorf("transaction_id invalid: %w", err)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
