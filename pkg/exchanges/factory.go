// Package exchanges constructs adapters by name. New exchanges plug in by
// adding a package and a case here; nothing above the factory changes.
package exchanges

import (
	"fmt"
	"strings"

	"github.com/quantboard/marketdata/pkg/common"
	"github.com/quantboard/marketdata/pkg/exchanges/binance"
	"github.com/quantboard/marketdata/pkg/exchanges/coinbase"
	"github.com/quantboard/marketdata/pkg/exchanges/interfaces"
	"github.com/quantboard/marketdata/pkg/exchanges/kraken"
	"github.com/quantboard/marketdata/pkg/logging"
)

// New creates the adapter for the named exchange. Empty URLs select the
// exchange's production endpoints; a nil client gets the default paced HTTP
// client.
func New(name, restURL, wsURL string, httpClient common.HTTPClient, logger logging.Logger) (interfaces.Adapter, error) {
	switch strings.ToLower(name) {
	case binance.Name:
		return binance.New(restURL, wsURL, httpClient, logger), nil
	case coinbase.Name:
		return coinbase.New(restURL, wsURL, httpClient, logger), nil
	case kraken.Name:
		return kraken.New(restURL, wsURL, httpClient, logger), nil
	default:
		return nil, fmt.Errorf("unknown exchange %q (supported: %s)", name, strings.Join(Supported(), ", "))
	}
}

// Supported lists the exchange names the factory can build.
func Supported() []string {
	return []string{binance.Name, coinbase.Name, kraken.Name}
}
