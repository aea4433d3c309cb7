// Package generator synthesizes IAP telemetry events from fixed catalog tables.
package generator

import (
	"time"

	"github.com/google/uuid"
	"github.com/lgreene/iap-telemetry/schemas"
	"pgregory.net/rand"
)

// Mode selects whether generated events carry a purchase payload.
type Mode int

const (
	// ModeValid produces complete events.
	ModeValid Mode = iota
	// ModeInvalid produces events without event_data.
	ModeInvalid
)

func (m Mode) String() string {
	if m == ModeInvalid {
		return "invalid"
	}
	return "valid"
}

// Source is the random stream the generator draws from.
type Source interface {
	Float64() float64
	Intn(n int) int
}

var (
	countryTable = MustWeighted(schemas.Countries,
		[]float64{0.30, 0.10, 0.20, 0.05, 0.05, 0.02, 0.15, 0.05, 0.03, 0.05})
	bundleTable = MustWeighted(schemas.Bundles,
		[]float64{0.2, 0.2, 0.2, 0.2, 0.2})
	appVersionTable = MustWeighted(schemas.AppVersions,
		[]float64{0.05, 0.80, 0.15})
)

// Generator builds events. It is not safe for concurrent use.
type Generator struct {
	src   Source
	now   func() time.Time
	newID func() uuid.UUID
}

// New returns a Generator drawing from src.
func New(src Source) *Generator {
	return &Generator{
		src:   src,
		now:   time.Now,
		newID: uuid.New,
	}
}

// NewRandom returns a Generator seeded from system entropy.
func NewRandom() *Generator {
	return New(rand.New())
}

// Generate returns one event. ModeInvalid makes no category draws.
func (g *Generator) Generate(mode Mode) schemas.IAPEvent {
	event := schemas.IAPEvent{
		EventVersion:   schemas.EventVersion,
		EventID:        g.newID().String(),
		EventName:      schemas.EventName,
		EventTimestamp: schemas.FormatTimestamp(g.now()),
	}

	if mode == ModeValid {
		event.EventData = g.eventData()
	}
	event.AppVersion = appVersionTable.Pick(g.src)
	return event
}

func (g *Generator) eventData() *schemas.EventData {
	country := countryTable.Pick(g.src)
	currency, _ := schemas.CurrencyFor(country)
	bundle := bundleTable.Pick(g.src)

	return &schemas.EventData{
		ItemVersion:   g.src.Intn(2) + 1,
		CountryID:     country,
		CurrencyType:  currency,
		BundleName:    bundle.Name,
		Amount:        bundle.Price,
		Platform:      schemas.Platforms[g.src.Intn(len(schemas.Platforms))],
		TransactionID: g.newID().String(),
	}
}
