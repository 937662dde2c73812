package main

import "carbon-price-collector/internal/cli"

func main() {
	cli.Execute()
}
