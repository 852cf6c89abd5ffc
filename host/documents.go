package host

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/MegaGrindStone/go-cxp"
	"github.com/sourcegraph/go-lsp"
)

// ParseDocumentCommand parses one line naming the active document:
//
//	open <uri> <languageId>
//	close
//
// close yields a nil document. Blank lines and lines starting with # are reported by ok false.
func ParseDocumentCommand(line string) (doc *cxp.TextDocumentItem, ok bool, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
		return nil, false, nil
	}

	switch fields[0] {
	case "open":
		if len(fields) != 3 {
			return nil, false, fmt.Errorf("usage: open <uri> <languageId>, got %q", line)
		}
		return &cxp.TextDocumentItem{URI: lsp.DocumentURI(fields[1]), LanguageID: fields[2]}, true, nil
	case "close":
		if len(fields) != 1 {
			return nil, false, fmt.Errorf("usage: close, got %q", line)
		}
		return nil, true, nil
	default:
		return nil, false, fmt.Errorf("unknown document command %q", fields[0])
	}
}

// ReadDocumentCommands applies every command read from r to sig until r is exhausted or ctx is
// done. Invalid lines are logged and skipped.
func ReadDocumentCommands(ctx context.Context, r io.Reader, sig *cxp.Signal[*cxp.TextDocumentItem], logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	lines := make(chan string)
	errs := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errs <- scanner.Err()
	}()

	lineNo := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-errs:
					if err != nil {
						return fmt.Errorf("failed to read document commands: %w", err)
					}
				default:
				}
				return nil
			}
			lineNo++

			doc, ok, err := ParseDocumentCommand(line)
			if err != nil {
				logger.Warn("skipping document command", slog.Int("line", lineNo), slog.String("err", err.Error()))
				continue
			}
			if ok {
				sig.Set(doc)
			}
		}
	}
}
