package testpkg

import "testing"

func TestAdd(t *testing.T) {
	if Add(1, 2) != 3 {
		t.Fatal("wrong sum")
	}
}

func TestClassify(t *testing.T) {
	if Classify(5) != "positive" {
		t.Fatal("wrong class")
	}
}

func BenchmarkAccumulate(b *testing.B) {
	for i := 0; i < b.N; i++ {
		Accumulate(10)
	}
}
