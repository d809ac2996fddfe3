package failpkg

// Double returns twice n. The test expects something else on purpose.
func Double(n int) int {
	return 2 * n
}
