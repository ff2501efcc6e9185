package main

import (
	"golang.org/x/tools/go/analysis/singlechecker"

	"chatwire.app/sessiond/tools/linters/enumvalidator"
)

func main() {
	singlechecker.Main(enumvalidator.Analyzer)
}
