package main

import "go-civitai-scraper/cmd/civitai-scraper/cmd"

func main() {
	cmd.Execute()
}
