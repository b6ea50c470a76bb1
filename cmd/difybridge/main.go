package main

import "github.com/dify2openai/difybridge/internal/cli"

func main() {
	cli.Execute()
}
