package clients

import (
	"github.com/adshao/go-binance/v2"
)

// NewBinanceClient builds an authenticated spot client. Testnet is a
// package-level switch in go-binance, so it is set before the client is created.
func NewBinanceClient(apiKey, apiSecret string, testnet bool) *binance.Client {
	binance.UseTestnet = testnet
	return binance.NewClient(apiKey, apiSecret)
}

// NewPublicBinanceClient builds a client for unauthenticated market data.
func NewPublicBinanceClient() *binance.Client {
	return binance.NewClient("", "")
}
