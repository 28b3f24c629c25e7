package lsp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/gjson"
)

// Document method names used by the helpers below.
const (
	MethodDidOpen        = "textDocument/didOpen"
	MethodDidClose       = "textDocument/didClose"
	MethodDocumentSymbol = "textDocument/documentSymbol"
)

// Initialize performs the initialize handshake: it sends initialize, waits
// for the result and then sends the initialized notification.
func Initialize(ctx context.Context, s *Session, params InitializeParams) (*InitializeResult, error) {
	if params.ProcessID == nil {
		pid := os.Getpid()
		params.ProcessID = &pid
	}

	var result InitializeResult
	if err := s.Call(ctx, MethodInitialize, params, &result); err != nil {
		return nil, err
	}
	if err := s.Notify(ctx, MethodInitialized, InitializedParams{}); err != nil {
		return nil, fmt.Errorf("send initialized: %w", err)
	}
	return &result, nil
}

// Shutdown asks the server to shut down. Afterwards only Exit may be sent.
func Shutdown(ctx context.Context, s *Session) error {
	_, err := s.CallRaw(ctx, MethodShutdown, nil)
	return err
}

// Exit tells the server to exit and terminates the session.
func Exit(ctx context.Context, s *Session) error {
	return s.Notify(ctx, MethodExit, nil)
}

// DidOpen notifies the server that a document was opened.
func DidOpen(ctx context.Context, s *Session, doc TextDocumentItem) error {
	return s.Notify(ctx, MethodDidOpen, DidOpenTextDocumentParams{TextDocument: doc})
}

// DidClose notifies the server that a document was closed.
func DidClose(ctx context.Context, s *Session, uri DocumentURI) error {
	return s.Notify(ctx, MethodDidClose, DidCloseTextDocumentParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
	})
}

// DocumentSymbols requests the symbols of a document. Servers answer with
// either hierarchical DocumentSymbol values or flat SymbolInformation
// values; the flat form is converted so callers see one shape.
func DocumentSymbols(ctx context.Context, s *Session, uri DocumentURI) ([]DocumentSymbol, error) {
	raw, err := s.CallRaw(ctx, MethodDocumentSymbol, DocumentSymbolParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
	})
	if err != nil {
		return nil, err
	}
	return parseDocumentSymbols(raw)
}

func parseDocumentSymbols(raw json.RawMessage) ([]DocumentSymbol, error) {
	res := gjson.ParseBytes(raw)
	if !res.IsArray() {
		if res.Type == gjson.Null || len(raw) == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("documentSymbol: unexpected result %s", res.Type)
	}

	if !res.Get("0.location").Exists() {
		var symbols []DocumentSymbol
		if err := json.Unmarshal(raw, &symbols); err != nil {
			return nil, fmt.Errorf("documentSymbol: %w", err)
		}
		return symbols, nil
	}

	var infos []SymbolInformation
	if err := json.Unmarshal(raw, &infos); err != nil {
		return nil, fmt.Errorf("documentSymbol: %w", err)
	}
	symbols := make([]DocumentSymbol, len(infos))
	for i, info := range infos {
		symbols[i] = DocumentSymbol{
			Name:           info.Name,
			Detail:         info.ContainerName,
			Kind:           info.Kind,
			Range:          info.Location.Range,
			SelectionRange: info.Location.Range,
		}
	}
	return symbols, nil
}
