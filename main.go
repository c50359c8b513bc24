package main

import "tick-alerts/internal/cli"

func main() {
	cli.Execute()
}
