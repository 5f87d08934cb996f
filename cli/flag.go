// Package cli provides functionality for handling command-line flags.

package cli

// Flag represents a command-line flag.
type Flag struct {
	Name    string   // Name of the flag.
	Usage   string   // Usage description of the flag.
	Aliases []string // Aliases for the flag.
	Default string   // Default value of the flag.
	// Bool marks a presence flag: it never consumes the following
	// argument, and appearing bare sets it to "true".
	Bool bool
}

// HelpFlag is a built-in flag that represents the help flag.
var HelpFlag = &Flag{
	Name:    "help",
	Usage:   "show help",
	Aliases: []string{"help"},
	Bool:    true,
}
