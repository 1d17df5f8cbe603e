package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/mschirtzinger/teamtrack/internal/service"
	syncer "github.com/mschirtzinger/teamtrack/internal/sync"
)

// FatalError writes an error message to stderr and exits with code 1.
// With --json the error is written as {"error": ...} instead.
func FatalError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if jsonOutput {
		enc := json.NewEncoder(os.Stderr)
		enc.SetIndent("", "  ")
		_ = enc.Encode(map[string]string{"error": msg})
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	os.Exit(1)
}

// FatalErrorWithHint writes an error message with a hint to stderr and exits.
func FatalErrorWithHint(message, hint string) {
	if jsonOutput {
		FatalError("%s", message)
	}
	fmt.Fprintf(os.Stderr, "Error: %s\n", message)
	fmt.Fprintf(os.Stderr, "Hint: %s\n", hint)
	os.Exit(1)
}

// WarnError writes a warning message to stderr and returns.
func WarnError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Warning: "+format+"\n", args...)
}

// FatalServiceError exits with a hint matched to the service error kind.
func FatalServiceError(err error) {
	switch {
	case errors.Is(err, syncer.ErrNotConfigured), errors.Is(err, service.ErrNotFound):
		FatalErrorWithHint(err.Error(), "Run 'tt connection set' and set ado.pat (or TT_ADO_PAT)")
	case errors.Is(err, syncer.ErrDisabled):
		FatalErrorWithHint(err.Error(), "Run 'tt connection set --enabled'")
	case errors.Is(err, syncer.ErrAlreadyRunning):
		FatalErrorWithHint(err.Error(), "Another sync holds the connection; try again when it finishes")
	}
	FatalError("%v", err)
}
