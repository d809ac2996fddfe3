package main

import "time"

func main() {
	time.Sleep(30 * time.Second)
}
