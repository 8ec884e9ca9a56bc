// Package nbrun executes Jupyter notebooks headlessly.
package nbrun

// Version is the nbrun release (set via -ldflags).
var Version = "dev"
