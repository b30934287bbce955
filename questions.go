/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"crypto/rand"
	"math/big"
)

type Question struct {
	Prompt string
	Answer string
}

var questionPools = map[string][]Question{
	"easy": {
		{"If f(x)=x³−5x, what is f′(2)?", "7"},
		{"Compute ∫₀² (3x²+1) dx", "10"},
		{"Differentiate: d/dx (4x² − 3x + 1)", "8x-3"},
		{"Compute ∫₁³ 2x dx", "8"},
		{"If f(x)=2x+5, what is f(4)?", "13"},
		{"Differentiate: d/dx (sin x)", "cosx"},
		{"Compute ∫₀¹ 6x dx", "3"},
		{"Differentiate: d/dx (x²)", "2x"},
		{"Compute ∫₀³ 2 dx", "6"},
		{"If f(x)=x², what is f(5)?", "25"},
	},
	"medium": {
		{"Differentiate: d/dx (x² sin x)", "2xsinx+x^2cosx"},
		{"Compute ∫₀¹ (x³ − 2x) dx", "-1/4"},
		{"If f(x)=ln(x), what is f′(e)?", "1/e"},
		{"Differentiate: d/dx (e^{3x})", "3e^{3x}"},
		{"Compute ∫₀^{π} sin x dx", "2"},
		{"Differentiate: d/dx ((x+1)/x)", "-1/x^2"},
	},
	"hard": {
		{"Differentiate: d/dx (ln(x²+1))", "2x/(x^2+1)"},
		{"Compute ∫₀¹ 1/(1+x²) dx", "pi/4"},
		{"Differentiate: d/dx (x^x)", "x^x(lnx+1)"},
		{"Compute ∫₁^{e} 1/x dx", "1"},
		{"Differentiate: d/dx (sin(3x))", "3cos(3x)"},
	},
}

// pickQuestion selects uniformly from the tier's pool, falling back to the
// easy pool for unknown tiers. Repeats across rounds are expected.
func pickQuestion(tier string) Question {
	pool, ok := questionPools[tier]
	if !ok {
		pool = questionPools["easy"]
	}

	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(pool))))
	if err != nil {
		return pool[0]
	}

	return pool[n.Int64()]
}
