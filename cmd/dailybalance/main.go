package main

import "github.com/Jpdsbarbosa/daily-balance-v2/internal/cli"

func main() {
	cli.Execute()
}
