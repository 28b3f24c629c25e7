// Package lsp is the client side of the Language Server Protocol engine.
//
// A Session runs over any byte stream connected to a language server,
// typically the stdin and stdout of a child process. It frames and
// classifies inbound messages, correlates responses with the calls that
// caused them, routes notifications and server requests to handlers and
// enforces the LSP lifecycle on outbound traffic.
//
// # Lifecycle
//
// A session moves through five phases:
//
//	Uninitialized -> Initializing -> Active -> ShuttingDown -> Exited
//
// Only initialize may be called while Uninitialized. The initialize
// response moves the session to Active, or to Exited if the server
// answered with an error. shutdown moves an Active session to
// ShuttingDown, after which only the exit notification is accepted. exit
// is accepted from every phase except Exited and always ends the session.
// Operations that are not legal in the current phase fail with a
// *LifecycleError before an id is allocated or anything is written.
//
// # Quick Start
//
//	s := lsp.New(proc.Stdout(), proc.Stdin(), proc)
//	defer s.Close(ctx)
//
//	s.OnNotification("textDocument/publishDiagnostics", func(ctx context.Context, params json.RawMessage) error {
//	    ...
//	})
//
//	if _, err := lsp.Initialize(ctx, s, lsp.InitializeParams{RootURI: &root}); err != nil {
//	    return err
//	}
//	symbols, err := lsp.DocumentSymbols(ctx, s, lsp.FilePathToURI("main.go"))
//
// # Handlers
//
// Notifications and requests of the same method are handled one at a time
// in arrival order; different methods run concurrently. Server requests
// without a handler are answered with MethodNotFound. A request handler
// that fails is answered with an internal error and reported as a
// Diagnostic.
//
// # Termination
//
// Every call is completed exactly once: with the server's response, with
// ErrCancelled or ErrTimeout when its context ends, or with
// ErrConnectionClosed when the session terminates. Transport failures and
// unrecoverable framing errors terminate the session; Err reports the
// cause.
package lsp
