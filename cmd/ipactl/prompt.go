package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"ipalab/internal/ledger"
)

// stdinResolver prompts for an alternate run name on a terminal and
// auto-suffixes otherwise.
func stdinResolver() ledger.Resolver {
	fd := os.Stdin.Fd()
	interactive := isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
	return promptResolver(os.Stdin, os.Stderr, interactive)
}

func promptResolver(in io.Reader, out io.Writer, interactive bool) ledger.Resolver {
	if !interactive {
		return ledger.AutoSuffix
	}
	reader := bufio.NewReader(in)
	return func(name string, attempt int) (string, error) {
		suggestion, err := ledger.AutoSuffix(name, attempt)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(out, "run %q already exists; new name [%s]: ", name, suggestion)
		line, err := reader.ReadString('\n')
		line = strings.TrimSpace(line)
		if err != nil && line == "" {
			return "", fmt.Errorf("no alternate name given: %w", err)
		}
		if line == "" {
			return suggestion, nil
		}
		return line, nil
	}
}
