package operator

import (
	"context"

	"github.com/crowdsieve/crowdsieve/internal/apperr"
)

// IPInfo is the enrichment the dashboard shows alongside a source IP. WHOIS
// and GeoIP lookups themselves are external collaborators outside this
// module's scope; only the contract they must satisfy lives here.
type IPInfo struct {
	IP          string
	CountryCode string
	CountryName string
	ASN         int
	ASName      string
	City        string
	Region      string
	Lat         float64
	Lon         float64
	ISP         string
	Org         string
}

// IPInfoProvider resolves enrichment data for one IP address.
type IPInfoProvider interface {
	Lookup(ctx context.Context, ip string) (*IPInfo, error)
}

// noopIPInfo is the default IPInfoProvider when no WHOIS/GeoIP backend is
// configured: every lookup reports not found rather than silently
// fabricating data.
type noopIPInfo struct{}

func (noopIPInfo) Lookup(ctx context.Context, ip string) (*IPInfo, error) {
	return nil, apperr.New(apperr.NotFound, "ip-info lookup is not configured")
}
