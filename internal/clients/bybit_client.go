package clients

import (
	"github.com/hirokisan/bybit/v2"
)

func NewBybitClient(apiKey, apiSecret string, testnet bool) *bybit.Client {
	if testnet {
		return bybit.NewTestClient().WithAuth(apiKey, apiSecret)
	}

	return bybit.NewClient().WithAuth(apiKey, apiSecret)
}
