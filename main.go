package main

import "github.com/jmehdipour/newsletter-gateway/cmd"

func main() {
	cmd.Execute()
}
