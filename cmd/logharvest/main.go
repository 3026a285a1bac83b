package main

import "github.com/vietddude/logharvest/internal/cli"

func main() {
	cli.Execute()
}
