package main

import "github.com/tiltvault/tiltvault-cloud/internal/cli"

func main() {
	cli.Execute()
}
