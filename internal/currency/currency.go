// Package currency содержит справочник точности фиатных валют и округление сумм.
package currency

import "github.com/shopspring/decimal"

// Количество знаков после запятой для валют, отличающихся от стандартных двух.
var minorUnits = map[string]int32{
	"UGX": 0,
	"TZS": 0,
	"XOF": 0,
	"JPY": 0,
}

// MinorUnits возвращает количество знаков минорных единиц валюты по ISO 4217.
func MinorUnits(code string) int32 {
	if u, ok := minorUnits[code]; ok {
		return u
	}
	return 2
}

// RoundMinor округляет сумму до минорных единиц валюты.
// Округление — арифметическое, половина от нуля.
func RoundMinor(d decimal.Decimal, code string) decimal.Decimal {
	return d.Round(MinorUnits(code))
}
