package limits

// Converter turns configured thresholds into canonical byte ceilings.
//
// Amount-typed limits are priced with BytesPerCurrencyUnit, the number of
// processed bytes one currency unit buys. The rate comes from deployment
// configuration; when it is zero, amount limits never convert and so never
// block or notify.
type Converter struct {
	BytesPerCurrencyUnit int64
}

// LimitBytes converts a rule's threshold into bytes. The second return value
// is false when the threshold cannot be converted; callers skip such rules
// rather than failing the whole evaluation.
func (c Converter) LimitBytes(l UsageLimit) (int64, bool) {
	switch t := l.Threshold.(type) {
	case DataVolume:
		mult, ok := t.Unit.Multiplier()
		if !ok || t.Value <= 0 {
			return 0, false
		}
		return int64(t.Value * float64(mult)), true
	case MonetaryAmount:
		if t.Value <= 0 || c.BytesPerCurrencyUnit <= 0 {
			return 0, false
		}
		return int64(t.Value * float64(c.BytesPerCurrencyUnit)), true
	}
	return 0, false
}
