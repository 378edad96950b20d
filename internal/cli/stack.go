package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dmitrijs2005/mailvault/internal/blob"
	"github.com/dmitrijs2005/mailvault/internal/config"
	"github.com/dmitrijs2005/mailvault/internal/gmailx"
	"github.com/dmitrijs2005/mailvault/internal/logging"
	"github.com/dmitrijs2005/mailvault/internal/state"
)

// appStack bundles the dependencies a command needs once configuration is
// resolved: the local state store, the checkpoint file, and the bucket
// client. unlock releases the run lock and must be called exactly once.
type appStack struct {
	cfg    *config.Config
	log    logging.Logger
	store  *state.Store
	cp     *state.CheckpointFile
	bucket *blob.Client
	unlock func()
}

// openStack validates the configuration and opens the shared dependencies.
// needLock serializes whole-state-directory commands against each other.
func openStack(ctx context.Context, opts *RootOptions, needLock bool) (*appStack, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, WrapExitError(ExitFailure, "configuration", err)
	}

	unlock := func() {}
	if needLock {
		release, err := state.AcquireRunLock(cfg.StateDir)
		if err != nil {
			return nil, WrapExitError(ExitFailure, "acquire run lock", err)
		}
		unlock = release
	}

	store, err := state.Open(ctx, cfg.StateDir)
	if err != nil {
		unlock()
		return nil, WrapExitError(ExitFailure, "open local index", err)
	}

	bucket, err := blob.New(ctx, blob.Options{
		Endpoint:        cfg.EndpointURL(),
		Region:          cfg.Region,
		Bucket:          cfg.Bucket,
		Prefix:          cfg.Prefix,
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey,
	})
	if err != nil {
		_ = store.Close()
		unlock()
		return nil, WrapExitError(ExitFailure, "open object storage", err)
	}

	return &appStack{
		cfg:    cfg,
		log:    opts.Log,
		store:  store,
		cp:     state.NewCheckpointFile(cfg.StateDir),
		bucket: bucket,
		unlock: unlock,
	}, nil
}

func (s *appStack) close() {
	_ = s.store.Close()
	s.unlock()
}

// resolveBucket applies the per-account key prefix when requested and not
// explicitly configured. The account email comes from the checkpoint when
// known; otherwise the mailbox profile is consulted, connecting first when
// no client is supplied.
func resolveBucket(ctx context.Context, stack *appStack, mbox *gmailx.Client, autoPrefix bool) (*blob.Client, error) {
	if !autoPrefix || stack.cfg.PrefixExplicit {
		return stack.bucket, nil
	}
	cp, err := stack.cp.Load()
	if err != nil {
		return nil, err
	}
	email := cp.EmailAddress
	if email == "" {
		if mbox == nil {
			if mbox, err = gmailx.Connect(ctx, stack.cfg.StateDir, gmailx.ReadScopes()...); err != nil {
				return nil, err
			}
		}
		if email, _, err = mbox.Profile(ctx); err != nil {
			return nil, fmt.Errorf("resolve account for prefix: %w", err)
		}
	}
	return stack.bucket.WithPrefix(blob.PrefixFromEmail(email)), nil
}

// signalContext derives a context cancelled by SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// parseSince parses the YYYY-MM-DD value of a --since flag. Empty means no
// restriction.
func parseSince(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected YYYY-MM-DD, got %q", s)
	}
	return t, nil
}
