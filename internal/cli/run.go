package cli

import (
	"context"
	"fmt"
	"io"
)

// Run is the process entrypoint suitable for black-box tests. It accepts the
// argument slice (excluding argv[0]) and returns the semantic exit code.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	return RunApp(ctx, &App{Stdout: stdout, Stderr: stderr}, args)
}

// RunApp runs args against a preconfigured app.
func RunApp(ctx context.Context, app *App, args []string) int {
	app.Stdout = newSyncWriter(app.Stdout)
	app.Stderr = newSyncWriter(app.Stderr)
	root := NewRootCommand(app)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}
	// Anything rejected before a command started is a usage error: unknown
	// commands, bad flags, wrong argument counts.
	if !app.started {
		err = invalidInvocation(err)
	} else {
		app.close()
	}
	fmt.Fprintf(app.Stderr, "meshpipe: %v\n", err)
	return ExitCode(err)
}
