package common

import "github.com/olekukonko/ts"

const fallbackWidth = 100

// TerminalWidth returns the width of the controlling terminal, or a sane
// default when stdout is not a terminal
func TerminalWidth() int {
	size, err := ts.GetSize()
	if err != nil || size.Col() <= 0 {
		return fallbackWidth
	}
	return size.Col()
}
