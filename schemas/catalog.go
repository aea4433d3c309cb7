package schemas

// Bundle is a purchasable item with a fixed price.
type Bundle struct {
	Name  string
	Price float64
}

// Bundles lists the purchasable bundles in catalog order.
var Bundles = []Bundle{
	{Name: "Starter Bundle", Price: 4.99},
	{Name: "Power-Up Bundle", Price: 9.99},
	{Name: "Collector's Bundle", Price: 19.99},
	{Name: "Special Event Bundle", Price: 14.99},
	{Name: "VIP Bundle", Price: 49.99},
}

// Countries lists the supported country ids in catalog order.
var Countries = []string{
	"UNITED STATES",
	"UK",
	"JAPAN",
	"SINGAPORE",
	"AUSTRALIA",
	"BRAZIL",
	"SOUTH KOREA",
	"GERMANY",
	"CANADA",
	"FRANCE",
}

var currencies = map[string]string{
	"UNITED STATES": "USD",
	"UK":            "GBP",
	"JAPAN":         "JPY",
	"SINGAPORE":     "SGD",
	"AUSTRALIA":     "AUD",
	"BRAZIL":        "BRL",
	"SOUTH KOREA":   "KRW",
	"GERMANY":       "EUR",
	"CANADA":        "CAD",
	"FRANCE":        "EUR",
}

// Platforms lists the client platforms a purchase can come from.
var Platforms = []string{
	"nintendo_switch",
	"ps4",
	"xbox_360",
	"iOS",
	"android",
	"pc",
}

// AppVersions lists the app builds that emit events.
var AppVersions = []string{"1.0.0", "1.1.0", "1.2.0"}

// CurrencyFor returns the currency code used in the given country.
func CurrencyFor(country string) (string, bool) {
	c, ok := currencies[country]
	return c, ok
}

// PriceFor returns the fixed price of the named bundle.
func PriceFor(bundle string) (float64, bool) {
	for _, b := range Bundles {
		if b.Name == bundle {
			return b.Price, true
		}
	}
	return 0, false
}
