package testpkg

// Add returns the sum of a and b.
func Add(a, b int) int {
	return a + b
}

// Classify buckets n by its sign.
func Classify(n int) string {
	if n < 0 {
		return "negative"
	}
	return "positive"
}

// Accumulate sums the first n integers through Add.
func Accumulate(n int) int {
	acc := 0
	for i := 0; i < n; i++ {
		acc = Add(acc, i)
	}
	return acc
}
