package domain

import "sort"

// ReferralTier es una fila de la tabla de niveles de referidos.
type ReferralTier struct {
	Threshold  int64   `yaml:"threshold"`
	Multiplier float64 `yaml:"multiplier"`
	Label      string  `yaml:"label"`
}

// NoTier se devuelve cuando el conteo no alcanza el primer umbral.
var NoTier = ReferralTier{Threshold: 0, Multiplier: 0, Label: "None"}

// DefaultReferralTiers es la tabla que muestra el producto.
func DefaultReferralTiers() TierTable {
	return TierTable{
		{Threshold: 1, Multiplier: 1, Label: "Novice"},
		{Threshold: 5, Multiplier: 2, Label: "Active"},
		{Threshold: 10, Multiplier: 3, Label: "Pro"},
		{Threshold: 25, Multiplier: 5, Label: "Expert"},
		{Threshold: 50, Multiplier: 10, Label: "Master"},
	}
}

// TierTable es una secuencia ordenada por umbral ascendente. Solo lectura.
type TierTable []ReferralTier

// Sorted devuelve una copia ordenada por umbral.
func (t TierTable) Sorted() TierTable {
	out := make(TierTable, len(t))
	copy(out, t)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Threshold < out[j].Threshold })
	return out
}

// TierFor devuelve el nivel con el mayor umbral que no supera count.
func (t TierTable) TierFor(count int64) ReferralTier {
	tier := NoTier
	for _, row := range t {
		if row.Threshold <= count && row.Threshold >= tier.Threshold {
			tier = row
		}
	}
	return tier
}

// NextTier devuelve el siguiente nivel y cuántos referidos faltan.
// ok es false si ya está en el nivel máximo.
func (t TierTable) NextTier(count int64) (next ReferralTier, remaining int64, ok bool) {
	for _, row := range t.Sorted() {
		if row.Threshold > count {
			return row, row.Threshold - count, true
		}
	}
	return ReferralTier{}, 0, false
}
