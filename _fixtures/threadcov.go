package main

import (
	"fmt"
	"runtime"
	"sync"
)

func work(n int) int {
	runtime.LockOSThread()
	acc := 0
	for i := 0; i < n; i++ {
		acc += i
	}
	return acc
}

func main() {
	var wg sync.WaitGroup
	results := make([]int, 4)
	for i := range results {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			results[slot] = work(1000)
		}(i)
	}
	wg.Wait()
	fmt.Println(results[0])
}
