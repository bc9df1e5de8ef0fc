package main

import "whale-alerts/internal/cli"

func main() {
	cli.Execute()
}
