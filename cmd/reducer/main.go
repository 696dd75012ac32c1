package main

import "github.com/vietddude/reducer/internal/cli"

func main() {
	cli.Execute()
}
