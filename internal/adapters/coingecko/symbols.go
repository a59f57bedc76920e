package coingecko

// defaultSymbolIDs mapea los tickers más comunes a ids de CoinGecko.
func defaultSymbolIDs() map[string]string {
	return map[string]string{
		"BTC":   "bitcoin",
		"ETH":   "ethereum",
		"SOL":   "solana",
		"BNB":   "binancecoin",
		"XRP":   "ripple",
		"ADA":   "cardano",
		"DOGE":  "dogecoin",
		"DOT":   "polkadot",
		"AVAX":  "avalanche-2",
		"LINK":  "chainlink",
		"LTC":   "litecoin",
		"MATIC": "matic-network",
		"TRX":   "tron",
		"ATOM":  "cosmos",
	}
}
