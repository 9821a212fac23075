// Package bootstrap creates the first administrator account exactly once.
package bootstrap

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"qilbeedb.org/internal/audit"
	"qilbeedb.org/internal/auth"
)

// ErrNotBootstrapped is returned when no credentials are available and the
// process is not attached to an interactive session. Starting unsecured is
// never an option.
var ErrNotBootstrapped = errors.New("bootstrap: no admin credentials and no interactive session")

// State is the single durable record proving bootstrap ran. An operator must
// delete the file to redo it.
type State struct {
	IsBootstrapped bool      `json:"is_bootstrapped"`
	AdminUsername  string    `json:"admin_username"`
	BootstrappedAt time.Time `json:"bootstrapped_at"`
}

// Credentials for the admin account, usually from configuration.
type Credentials struct {
	Username string
	Email    string
	Password string
}

// Service runs the bootstrap flow: configured credentials first, then an
// interactive prompt, else fail fast.
type Service struct {
	path        string
	auth        *auth.Service
	audit       *audit.Service
	now         func() time.Time
	interactive func() bool
	prompt      func() (Credentials, error)
}

// Option configures Service behavior.
type Option func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithPrompt overrides the interactive credential prompt (useful for tests).
func WithPrompt(interactive func() bool, prompt func() (Credentials, error)) Option {
	return func(s *Service) {
		s.interactive = interactive
		s.prompt = prompt
	}
}

// New constructs the bootstrap service persisting state at path.
func New(path string, authSvc *auth.Service, auditSvc *audit.Service, opts ...Option) *Service {
	s := &Service{
		path:        path,
		auth:        authSvc,
		audit:       auditSvc,
		now:         time.Now,
		interactive: stdinIsTerminal,
		prompt:      terminalPrompt,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run is idempotent: with existing state it returns immediately and creates
// nothing.
func (s *Service) Run(ctx context.Context, configured Credentials) (State, error) {
	if state, ok, err := s.load(); err != nil {
		return State{}, err
	} else if ok {
		return state, nil
	}

	creds := configured
	switch {
	case creds.Email != "" && creds.Password != "":
		if creds.Username == "" {
			creds.Username = "admin"
		}
	case s.interactive():
		prompted, err := s.prompt()
		if err != nil {
			return State{}, err
		}
		creds = prompted
	default:
		return State{}, ErrNotBootstrapped
	}

	admin, err := s.auth.CreateUser(ctx, creds.Username, creds.Email, creds.Password, []string{auth.RoleAdmin})
	if err != nil {
		return State{}, fmt.Errorf("create admin: %w", err)
	}

	state := State{
		IsBootstrapped: true,
		AdminUsername:  admin.Username,
		BootstrappedAt: s.now().UTC(),
	}
	if err := s.save(state); err != nil {
		return State{}, err
	}

	s.audit.Record(audit.Event{
		EventType: audit.EventUserCreated,
		Result:    audit.ResultSuccess,
		UserID:    admin.ID,
		Username:  admin.Username,
		Resource:  "users/" + admin.ID,
		Metadata:  map[string]any{"bootstrap": true, "roles": admin.Roles},
	})
	s.audit.Record(audit.Event{
		EventType: audit.EventBootstrapComplete,
		Result:    audit.ResultSuccess,
		UserID:    admin.ID,
		Username:  admin.Username,
	})
	return state, nil
}

func (s *Service) load() (State, bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, false, nil
		}
		return State{}, false, fmt.Errorf("read bootstrap state: %w", err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, false, fmt.Errorf("parse bootstrap state: %w", err)
	}
	return state, state.IsBootstrapped, nil
}

func (s *Service) save(state State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write bootstrap state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("write bootstrap state: %w", err)
	}
	return nil
}

func stdinIsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// terminalPrompt collects admin credentials with a no-echo password read and
// confirmation.
func terminalPrompt() (Credentials, error) {
	reader := bufio.NewReader(os.Stdin)

	fmt.Print("Admin username [admin]: ")
	username, err := reader.ReadString('\n')
	if err != nil {
		return Credentials{}, err
	}
	username = strings.TrimSpace(username)
	if username == "" {
		username = "admin"
	}

	fmt.Print("Admin email: ")
	email, err := reader.ReadString('\n')
	if err != nil {
		return Credentials{}, err
	}
	email = strings.TrimSpace(email)

	for attempt := 0; attempt < 3; attempt++ {
		fmt.Print("Admin password: ")
		password, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return Credentials{}, err
		}
		fmt.Print("Confirm password: ")
		confirm, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return Credentials{}, err
		}
		if string(password) != string(confirm) {
			fmt.Println("Passwords do not match, try again.")
			continue
		}
		return Credentials{Username: username, Email: email, Password: string(password)}, nil
	}
	return Credentials{}, errors.New("bootstrap: passwords did not match")
}
