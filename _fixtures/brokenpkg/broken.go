package brokenpkg

// Half returns n divided by two.
func Half(n int) int {
	return n / "two"
}
