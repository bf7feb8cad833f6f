package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"

	"github.com/calderavm/caldera/internal/azure"
	"github.com/calderavm/caldera/internal/config"
	"github.com/calderavm/caldera/internal/reconcile"
	"github.com/calderavm/caldera/internal/state"
)

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).
		With().Timestamp().Logger()
}

// withMachine loads the specification and the state record, builds the
// reconciler against the real provider, runs fn, and persists whatever
// the run left in the record (also on failure: partial progress must
// survive).
func withMachine(cmd *cobra.Command, fn func(ctx context.Context, cfg *config.MachineConfig, rec *state.Record, r *reconcile.Reconciler) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.LoadFromFile(configFile)
	if err != nil {
		return err
	}
	subscription := cfg.SubscriptionID
	if subscription == "" {
		subscription = os.Getenv("AZURE_SUBSCRIPTION_ID")
	}
	if subscription == "" {
		return errors.New("no subscription ID: set subscription_id in the spec or AZURE_SUBSCRIPTION_ID")
	}

	store, err := state.Open(ctx, stateFile)
	if err != nil {
		return err
	}
	defer store.Close()

	rec, err := store.Load()
	if err != nil {
		return err
	}
	if rec == nil {
		rec = state.NewRecord(cfg.Name)
	}

	cred, err := azure.NewDefaultCredential()
	if err != nil {
		return err
	}
	clients, err := azure.NewClients(subscription, cred)
	if err != nil {
		return err
	}

	r := &reconcile.Reconciler{
		Compute: clients.Compute,
		Network: clients.Network,
		Blobs:   clients.Blobs,
		Guest:   &sshRunner{rec: rec},
		Confirm: confirmPrompt,
		Log:     newLogger(),
	}

	runErr := fn(ctx, cfg, rec, r)
	if saveErr := store.Save(rec); saveErr != nil {
		if runErr == nil {
			return saveErr
		}
		fmt.Fprintf(os.Stderr, "Warning: failed to save state: %v\n", saveErr)
	}
	return runErr
}

// withState is withMachine for commands that only read the record.
func withState(cmd *cobra.Command, fn func(ctx context.Context, rec *state.Record) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	store, err := state.Open(ctx, stateFile)
	if err != nil {
		return err
	}
	defer store.Close()

	rec, err := store.Load()
	if err != nil {
		return err
	}
	if rec == nil {
		return errors.Newf("no state at %s; nothing deployed yet", stateFile)
	}
	return fn(ctx, rec)
}

func confirmPrompt(prompt string) bool {
	fmt.Fprintf(os.Stderr, "%s (y/N) ", prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

// sshRunner runs commands in the guest as root over SSH, authenticating
// with the machine's generated client key and pinning the generated host
// key.
type sshRunner struct {
	rec *state.Record
}

func (s *sshRunner) Run(ctx context.Context, command string) error {
	rec := s.rec
	if rec.PublicIPv4 == "" {
		return errors.Newf("machine %s has no public address", rec.MachineName)
	}
	if rec.ClientPrivateKey == "" {
		return errors.Newf("machine %s has no client key", rec.MachineName)
	}
	signer, err := ssh.ParsePrivateKey([]byte(rec.ClientPrivateKey))
	if err != nil {
		return errors.Wrap(err, "parse client key")
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if rec.HostPublicKey != "" {
		hostKey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(rec.HostPublicKey))
		if err != nil {
			return errors.Wrap(err, "parse recorded host key")
		}
		hostKeyCallback = ssh.FixedHostKey(hostKey)
	}

	client, err := ssh.Dial("tcp", net.JoinHostPort(rec.PublicIPv4, "22"), &ssh.ClientConfig{
		User:            "root",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         30 * time.Second,
	})
	if err != nil {
		return errors.Wrapf(err, "connect to %s", rec.PublicIPv4)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return errors.Wrap(err, "open SSH session")
	}
	defer session.Close()

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()
	select {
	case err := <-done:
		if err != nil {
			return errors.Wrapf(err, "run %q on %s", command, rec.MachineName)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
