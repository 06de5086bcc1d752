package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
)

var stdout io.Writer = os.Stdout

func success(format string, a ...any) {
	fmt.Fprintln(stdout, color.GreenString("✓")+" "+fmt.Sprintf(format, a...))
}

func hint(format string, a ...any) {
	fmt.Fprintln(stdout, color.CyanString("→")+" "+fmt.Sprintf(format, a...))
}

func warn(format string, a ...any) {
	fmt.Fprintln(stdout, color.YellowString("!")+" "+fmt.Sprintf(format, a...))
}

func cmdName(s string) string { return color.YellowString(s) }

// startSpinner shows message on stderr until the returned stop is called.
func startSpinner(message string) func() {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	s.Suffix = " " + message
	_ = s.Color("cyan")
	s.Start()
	return s.Stop
}
