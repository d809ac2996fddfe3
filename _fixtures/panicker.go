package main

import "fmt"

func prepare() int {
	total := 0
	for i := 0; i < 10; i++ {
		total += i
	}
	fmt.Println("prepared", total)
	return total
}

func boom(n int) {
	if n > 0 {
		panic("boom")
	}
}

func main() {
	boom(prepare())
	fmt.Println("unreachable")
}
