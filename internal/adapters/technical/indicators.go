package technical

import "math"

// sma devuelve la media simple de los últimos period cierres.
func sma(closes []float64, period int) float64 {
	if len(closes) == 0 {
		return 0
	}
	if len(closes) < period {
		period = len(closes)
	}
	var sum float64
	for _, c := range closes[len(closes)-period:] {
		sum += c
	}
	return sum / float64(period)
}

// rsi calcula el RSI con el suavizado de Wilder. 50 si no hay datos suficientes.
func rsi(closes []float64, period int) float64 {
	if len(closes) < period+1 {
		return 50
	}

	var gains, losses float64
	for i := 1; i <= period; i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			gains += change
		} else {
			losses -= change
		}
	}
	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)

	for i := period + 1; i < len(closes); i++ {
		change := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// volatility es la desviación estándar de los retornos simples de la ventana, en %.
func volatility(closes []float64, window int) float64 {
	if len(closes) < 2 {
		return 0
	}
	if len(closes) > window+1 {
		closes = closes[len(closes)-window-1:]
	}

	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] == 0 {
			continue
		}
		returns = append(returns, closes[i]/closes[i-1]-1)
	}
	if len(returns) == 0 {
		return 0
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns))
	return math.Sqrt(variance) * 100
}

// momentum es el cambio porcentual entre el cierre actual y el de hace lookback velas.
func momentum(closes []float64, lookback int) float64 {
	if len(closes) <= lookback {
		return 0
	}
	past := closes[len(closes)-1-lookback]
	if past == 0 {
		return 0
	}
	return (closes[len(closes)-1]/past - 1) * 100
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
