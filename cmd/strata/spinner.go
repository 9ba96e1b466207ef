package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hyperengineering/strata"
)

const spinnerDelay = 80 * time.Millisecond

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// await waits for f, animating message on w while it runs. Off a terminal
// it prints the message once.
func await[T any](ctx context.Context, w io.Writer, message string, f *strata.Future[T]) (T, error) {
	if !isTTY() {
		fmt.Fprintf(w, "%s...\n", message)
		return f.Wait(ctx)
	}

	ticker := time.NewTicker(spinnerDelay)
	defer ticker.Stop()
	// Braille frames render about two columns wide.
	blank := "\r" + strings.Repeat(" ", len(message)+8) + "\r"
	defer fmt.Fprint(w, blank)

	for i := 0; ; i++ {
		fmt.Fprintf(w, "\r%s %s", render(infoStyle, spinnerFrames[i%len(spinnerFrames)]), message)
		select {
		case <-f.Done():
			return f.Wait(ctx)
		case <-ctx.Done():
			return f.Wait(ctx)
		case <-ticker.C:
		}
	}
}
