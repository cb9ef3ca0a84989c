package main

import (
	"os"

	"github.com/tohenk/bridgeui/internal/app"
)

func main() {
	os.Exit(app.Main(os.Args))
}
