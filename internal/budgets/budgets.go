// Package budgets implements the closed-form credit and budget formulas
// that drive loss-adaptive transmission pacing. e1, e2, e3 are
// byte-quantized loss probabilities (percent × 2.55, so they live in
// [0, 255]) for the source->relay, relay->dest, and source->dest legs;
// One is the scale constant both the denominator guard and the
// percentages compare against.
package budgets

const One = 255.0

// rTest selects which of the two closed forms RVal uses.
func rTest(e1, e2, e3 byte) bool {
	return (One - float64(e2)) < (float64(e3) - float64(e1)*float64(e3)/One)
}

// guard replaces a zero denominator with One. SourceCredit uses it.
func guard(denom float64) float64 {
	if denom == 0 {
		return One
	}
	return denom
}

// atLeastOne clamps a denominator to max(denom, One), replacing zero or
// near-zero denominators in RVal and the budget formulas with One.
func atLeastOne(denom float64) float64 {
	if denom < One {
		return One
	}
	return denom
}

// RVal computes the redundancy factor r for a generation of size g under
// loss estimates e1 (source->relay), e2 (relay->dest), e3 (source->dest).
func RVal(g int, e1, e2, e3 byte) float64 {
	fg := float64(g)
	fe1, fe2, fe3 := float64(e1), float64(e2), float64(e3)

	if rTest(e1, e2, e3) {
		denom := atLeastOne(fe3 - fe1*fe3/One)
		return One / denom
	}

	nom := One*fg - fg*fe2 - fg*fe3 + fg*fe1*fe3/One
	denom := atLeastOne(One + fe1*fe2*fe3/One/One - fe2 - fe1*fe3/One)
	return nom / denom
}

// SourceBudget is the total number of encoded packets a source must
// transmit per generation, including the fixed overshoot compensating
// for modeling error.
func SourceBudget(g int, e1, e2, e3 byte, overshoot float64) float64 {
	nom, denom := budgetRatio(g, e1, e2, e3)
	return overshoot * nom / denom
}

// RecoderBudget is SourceBudget without the overshoot multiplier,
// reserved for a future relay role.
func RecoderBudget(g int, e1, e2, e3 byte) float64 {
	nom, denom := budgetRatio(g, e1, e2, e3)
	return nom / denom
}

func budgetRatio(g int, e1, e2, e3 byte) (nom, denom float64) {
	fg := float64(g)
	fe2, fe3 := float64(e2), float64(e3)
	r := RVal(g, e1, e2, e3)

	nom = fg*One + r*One - r*fe2
	denom = atLeastOne(2*One - fe3 - fe2)
	return nom, denom
}

// SourceCredit is the fractional credit granted per ingested plain
// symbol: more than one when both the source->relay (e1) and
// source->dest (e3) legs are lossy, so a plain symbol pays for a bit
// more than one encoded transmission; exactly one when e1 or e3 is zero.
func SourceCredit(e1, e2, e3 byte) float64 {
	fe1, fe3 := float64(e1), float64(e3)
	denom := guard(One - fe3*fe1/One)
	return One / denom
}
