// Package auth drives the login and resume exchanges that move the session
// from anonymous to an active playback session, and renews it on expiry.
//
// Concurrent callers share one in-flight exchange per step: a burst of player
// requests arriving on a cold or expired session triggers a single login and a
// single resume.
package auth

import (
	"context"
	"errors"
	"log"

	"golang.org/x/sync/singleflight"

	"github.com/snapetech/sxmproxy/internal/httpclient"
	"github.com/snapetech/sxmproxy/internal/metrics"
	"github.com/snapetech/sxmproxy/internal/provider"
	"github.com/snapetech/sxmproxy/internal/session"
)

// Exchanger performs the two provider exchanges. *provider.Client implements it.
type Exchanger interface {
	Login(ctx context.Context) error
	Resume(ctx context.Context) error
}

type Authenticator struct {
	store   *session.Store
	ex      Exchanger
	backoff httpclient.Backoff
	group   singleflight.Group
}

// New returns an authenticator. backoff bounds Renew; EnsureLoggedIn and
// EnsureSessionActive make a single attempt and leave retrying to the caller.
func New(store *session.Store, ex Exchanger, backoff httpclient.Backoff) *Authenticator {
	return &Authenticator{store: store, ex: ex, backoff: backoff}
}

func (a *Authenticator) State() session.State { return a.store.State() }

// Generation is the store's commit counter.
func (a *Authenticator) Generation() uint64 { return a.store.Generation() }

// EnsureLoggedIn performs a login unless the login cookie is already present.
// An explicit rejection clears the store so the next attempt starts clean.
func (a *Authenticator) EnsureLoggedIn(ctx context.Context) error {
	if a.store.State() >= session.LoggedIn {
		return nil
	}
	return a.flight(ctx, "login", a.login)
}

// EnsureSessionActive logs in if needed, then resumes unless both session
// cookies are already present. A second call on an active session makes no
// provider request.
func (a *Authenticator) EnsureSessionActive(ctx context.Context) error {
	if a.store.State() == session.SessionActive {
		return nil
	}
	return a.flight(ctx, "session", func(ctx context.Context) error {
		if err := a.EnsureLoggedIn(ctx); err != nil {
			return err
		}
		if a.store.State() == session.SessionActive {
			return nil
		}
		return a.ex.Resume(ctx)
	})
}

// Renew forces a fresh resume, regardless of the cookies present, because the
// provider has reported the session expired. If the provider rejects the resume
// the login is redone once from scratch. The whole renewal is retried under the
// authentication backoff.
func (a *Authenticator) Renew(ctx context.Context) error {
	return a.flight(ctx, "renew", func(ctx context.Context) error {
		metrics.SessionRenewalsTotal.Inc()
		err := httpclient.Retry(ctx, a.backoff, retryableAuth, a.renewOnce)
		if err != nil {
			log.Printf("auth: renew failed: %v", err)
		}
		return err
	})
}

func (a *Authenticator) renewOnce(ctx context.Context) error {
	if err := a.EnsureLoggedIn(ctx); err != nil {
		return err
	}
	err := a.ex.Resume(ctx)
	if err == nil || !errors.Is(err, provider.ErrAuthenticationFailed) {
		return err
	}
	log.Printf("auth: resume rejected, logging in again: %v", err)
	if err := a.store.Reset(); err != nil {
		return err
	}
	if err := a.login(ctx); err != nil {
		return err
	}
	return a.ex.Resume(ctx)
}

func (a *Authenticator) login(ctx context.Context) error {
	err := a.ex.Login(ctx)
	if err == nil {
		log.Printf("auth: logged in")
		return nil
	}
	if errors.Is(err, provider.ErrAuthenticationFailed) {
		// Partial state from earlier attempts must not satisfy the next check.
		if rerr := a.store.Reset(); rerr != nil {
			log.Printf("auth: reset after rejected login: %v", rerr)
		}
	}
	log.Printf("auth: login failed: %v", err)
	return err
}

// flight runs fn once per key across concurrent callers. The exchange itself
// is detached from any single caller's cancellation; each caller still stops
// waiting when its own ctx ends.
func (a *Authenticator) flight(ctx context.Context, key string, fn func(context.Context) error) error {
	ch := a.group.DoChan(key, func() (any, error) {
		return nil, fn(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-ch:
		return r.Err
	}
}

// retryableAuth: everything except a response we cannot parse is worth another
// attempt during renewal. Rejections are often transient while the provider
// rotates sessions.
func retryableAuth(err error) bool {
	return !errors.Is(err, provider.ErrMalformedResponse)
}
