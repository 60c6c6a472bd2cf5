// Package geo evaluates the geographic and VPN policy gates that run
// before any other analysis. Geolocation itself is a collaborator: a
// pure lookup function supplied by the caller, which the gate must
// tolerate returning nothing.
package geo

// Location is the result of a geolocation lookup.
type Location struct {
	Country     string `json:"country"` // ISO 3166-1 alpha-2
	CountryName string `json:"country_name"`
	City        string `json:"city"`

	// IsVPN is true for addresses classified as VPN egress or
	// cloud-provider origin.
	IsVPN bool `json:"is_vpn"`
}

// Lookup resolves an IP address to a Location. Implementations must be
// pure and side-effect free. A nil result means the address could not
// be located.
type Lookup func(ip string) *Location

// NopLookup never resolves anything. It is the default when no
// geolocation source is configured; every geo check then fails open.
func NopLookup(string) *Location { return nil }
