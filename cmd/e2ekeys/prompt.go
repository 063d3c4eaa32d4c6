package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/briandowns/spinner"
	"golang.org/x/term"

	"github.com/TheMichaelB/e2ekeys/internal/models"
)

// terminalPrompter asks for the passphrase on the controlling terminal.
// E2EKEYS_PASSPHRASE answers the passphrase prompt non-interactively.
type terminalPrompter struct {
	mu      sync.Mutex
	spinner *spinner.Spinner
	in      *bufio.Reader
}

func newTerminalPrompter() *terminalPrompter {
	return &terminalPrompter{in: bufio.NewReader(os.Stdin)}
}

// attach pauses s while a prompt is shown.
func (p *terminalPrompter) attach(s *spinner.Spinner) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.spinner = s
}

func (p *terminalPrompter) pause() func() {
	p.mu.Lock()
	s := p.spinner
	p.mu.Unlock()

	if s == nil || !s.Active() {
		return func() {}
	}
	s.Stop()
	return s.Start
}

func (p *terminalPrompter) Passphrase(ctx context.Context, account models.Account) (string, error) {
	if v := os.Getenv("E2EKEYS_PASSPHRASE"); v != "" {
		return v, nil
	}

	resume := p.pause()
	defer resume()

	fmt.Fprintf(os.Stderr, "Passphrase for %s: ", account.ID)
	passphrase, err := p.readSecret()
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(passphrase) == "" {
		return "", fmt.Errorf("%w: empty passphrase", models.ErrPromptCancelled)
	}
	return passphrase, nil
}

func (p *terminalPrompter) AcknowledgePassphrase(ctx context.Context, account models.Account, passphrase string) error {
	resume := p.pause()
	defer resume()

	fmt.Fprintln(os.Stderr)
	warningColor.Fprintln(os.Stderr, "A new end-to-end encryption passphrase was generated.")
	fmt.Fprintln(os.Stderr, "Write it down. It is needed to add other devices and cannot be recovered.")
	fmt.Fprintln(os.Stderr)
	successColor.Fprintf(os.Stderr, "    %s\n\n", passphrase)
	fmt.Fprint(os.Stderr, "Type \"yes\" once you have stored it: ")

	answer, err := p.readLine()
	if err != nil {
		return err
	}
	if !strings.EqualFold(strings.TrimSpace(answer), "yes") {
		return fmt.Errorf("%w: passphrase not confirmed", models.ErrPromptCancelled)
	}
	return nil
}

func (p *terminalPrompter) readSecret() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return p.readLine()
	}

	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	return string(secret), nil
}

func (p *terminalPrompter) readLine() (string, error) {
	line, err := p.in.ReadString('\n')
	if err != nil && !(err == io.EOF && line != "") {
		return "", fmt.Errorf("%w: %v", models.ErrPromptCancelled, err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// reauthNotice tells the user the app password was rejected.
type reauthNotice struct {
	once sync.Once
}

func (r *reauthNotice) Reauthenticate(ctx context.Context, account models.Account) error {
	r.once.Do(func() {
		printWarning("The server rejected the app password of %s.", account.ID)
		printWarning("Create a new app password and set account.app_password (or E2EKEYS_ACCOUNT_APP_PASSWORD).")
	})
	return nil
}
