package carbon

import "strconv"

// FormatMoney renders an amount with two decimals.
func FormatMoney(v float64) string {
	return strconv.FormatFloat(Round2(v), 'f', 2, 64)
}

// FormatKg renders a mass with two decimals and the unit.
func FormatKg(v float64) string {
	return strconv.FormatFloat(Round2(v), 'f', 2, 64) + " kg CO2"
}
