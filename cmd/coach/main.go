package main

import (
	"fmt"
	"os"

	"github.com/suPer8Hu/growth-lab/internal/coach"
)

func main() {
	if err := coach.NewCoachCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
