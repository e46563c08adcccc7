package main

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

var errPassphraseMismatch = errors.New("passphrases do not match")

// readPassphrase prompts for a passphrase without echoing it.
func readPassphrase(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	pass, err := term.ReadPassword(int(os.Stdin.Fd()))

	// Newline after hidden input.
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, err
	}

	return pass, nil
}

// readNewPassphrase prompts for a new passphrase twice.
func readNewPassphrase() ([]byte, error) {
	pass, err := readPassphrase("Enter the wallet passphrase: ")
	if err != nil {
		return nil, err
	}

	confirm, err := readPassphrase("Confirm passphrase: ")
	if err != nil {
		return nil, err
	}
	defer clear(confirm)

	if !bytes.Equal(pass, confirm) {
		clear(pass)
		return nil, errPassphraseMismatch
	}

	return pass, nil
}

// readMnemonic reads the words of a mnemonic from a single line of r.
func readMnemonic(r io.Reader) ([]string, error) {
	fmt.Fprint(os.Stderr, "Enter the mnemonic words: ")

	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	words := strings.Fields(strings.ToLower(line))
	if len(words) == 0 {
		return nil, errors.New("no mnemonic entered")
	}

	return words, nil
}
