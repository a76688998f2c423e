package main

import "github.com/pfrederiksen/snis-scraper/internal/cli"

func main() {
	cli.Execute()
}
