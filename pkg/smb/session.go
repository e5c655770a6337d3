package smb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ineffectivecoder/smbwire/internal/logger"
	"github.com/ineffectivecoder/smbwire/pkg/auth"
	"github.com/ineffectivecoder/smbwire/pkg/smb/smb1"
	"github.com/ineffectivecoder/smbwire/pkg/smb/types"
)

// maxSessionLegs bounds the number of MORE_PROCESSING_REQUIRED round trips.
const maxSessionLegs = 8

// SessionSetup authenticates the connection with init. The connection must
// be NEGOTIATED; on success it is SESSION_ACTIVE and, when either side
// requires it, every later request is signed. A failed exchange returns the
// connection to NEGOTIATED.
func (c *Conn) SessionSetup(ctx context.Context, init auth.Initiator) error {
	if err := c.transition(StateSessionSetup); err != nil {
		return err
	}
	start := time.Now()
	var err error
	if c.mux.Family() == FamilySMB1 {
		err = c.sessionSetup1(ctx, init)
	} else {
		err = c.sessionSetup2(ctx, init)
	}
	if err != nil {
		c.mux.SetSessionID(0)
		if terr := c.transition(StateNegotiated); terr != nil {
			logger.Debug("session setup rollback", logger.KeyServer, c.host, logger.Err(terr))
		}
		return fmt.Errorf("session setup with %s (%s): %w", c.host, init.Name(), err)
	}
	info := c.Info()
	logger.DebugCtx(ctx, "session established", logger.KeyServer, c.host,
		logger.Hex(logger.KeySessionID, info.SessionID), "mechanism", info.Mechanism,
		"guest", info.Guest, "signing", c.mux.Signing(), logger.KeyDurationMs, logger.Duration(start))
	return c.transition(StateSessionActive)
}

func (c *Conn) sessionSetup2(ctx context.Context, init auth.Initiator) error {
	c.mu.Lock()
	blob := c.hint
	ph := c.preauth
	dialect := c.info.Dialect
	c.mu.Unlock()

	var final *types.SessionSetupResponse
	var finalReply *Reply
	for leg := 0; final == nil; leg++ {
		if leg == maxSessionLegs {
			return fmt.Errorf("%w: no result after %d legs", ErrAuthFailed, leg)
		}
		out, err := init.InitSecContext(ctx, blob)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrAuthFailed, err)
		}
		req := types.NewSessionSetupRequest(out, c.policy.SigningRequired)
		resp, reply, err := Do[*types.SessionSetupResponse](ctx, c.mux, req)
		if err != nil {
			return err
		}
		c.mux.SetSessionID(reply.Header.SessionID)
		if ph != nil {
			ph = ph.update(reply.Sent)
		}
		if reply.Header.Status == types.StatusMoreProcessingReq {
			if ph != nil {
				ph = ph.update(reply.Raw)
			}
			blob = resp.SecurityBuffer
			continue
		}
		final, finalReply = resp, reply
	}
	if err := init.Complete(final.SecurityBuffer); err != nil {
		return fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}

	sessionID := finalReply.Header.SessionID
	key := init.SessionKey()
	guest, anon := final.IsGuest(), final.IsNull() || len(key) == 0
	if err := c.startSigning(guest, anon, func() (Signer, error) {
		s := newSigner(dialect, sessionKey16(key), ph)
		if !finalReply.Header.IsSigned() {
			return nil, fmt.Errorf("%w: final SESSION_SETUP response is unsigned", ErrSignatureInvalid)
		}
		if !s.Verify(finalReply.Raw, 0) {
			return nil, fmt.Errorf("%w: final SESSION_SETUP response", ErrSignatureInvalid)
		}
		return s, nil
	}); err != nil {
		return err
	}
	c.setSession(sessionID, key, guest, anon, init.Name())
	return nil
}

func (c *Conn) sessionSetup1(ctx context.Context, init auth.Initiator) error {
	c.mu.Lock()
	blob := c.hint
	neg := c.neg1
	c.mu.Unlock()
	if neg == nil {
		return fmt.Errorf("%w: SMB1 session setup before negotiate", ErrInvalidState)
	}

	var final *smb1.SessionSetupAndXResponse
	var finalReply *Reply1
	for leg := 0; final == nil; leg++ {
		if leg == maxSessionLegs {
			return fmt.Errorf("%w: no result after %d legs", ErrAuthFailed, leg)
		}
		out, err := init.InitSecContext(ctx, blob)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrAuthFailed, err)
		}
		resp, reply, err := Do1[*smb1.SessionSetupAndXResponse](ctx, c.mux, smb1.NewSessionSetupAndXRequest(out, neg))
		if err != nil {
			return err
		}
		c.mux.SetSessionID(uint64(reply.Header.UID))
		if reply.Header.Status == types.StatusMoreProcessingReq {
			blob = resp.SecurityBlob
			continue
		}
		final, finalReply = resp, reply
	}
	if err := init.Complete(final.SecurityBlob); err != nil {
		return fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}

	key := init.SessionKey()
	guest, anon := final.IsGuestLogon(), len(key) == 0
	if err := c.startSigning(guest, anon, func() (Signer, error) {
		s := smb1.NewSigner(key)
		// The final response carries sequence number 1.
		if finalReply.Header.IsSigned() && !s.Verify(finalReply.Raw, 1) {
			return nil, fmt.Errorf("%w: final SESSION_SETUP_ANDX response", ErrSignatureInvalid)
		}
		return s, nil
	}); err != nil {
		return err
	}
	c.setSession(uint64(finalReply.Header.UID), key, guest, anon, init.Name())
	return nil
}

// startSigning activates signing when either side requires it. Guest and
// anonymous sessions have no key to sign with, which is only an error when
// signing is required.
func (c *Conn) startSigning(guest, anon bool, build func() (Signer, error)) error {
	required := c.Info().SigningRequired
	if !required {
		return nil
	}
	if guest || anon {
		return fmt.Errorf("%w: signing required but the session has no key (guest=%t anonymous=%t)", ErrAuthFailed, guest, anon)
	}
	s, err := build()
	if err != nil {
		return err
	}
	c.mux.ActivateSigning(s, true)
	return nil
}

func (c *Conn) setSession(id uint64, key []byte, guest, anon bool, mech string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.info.SessionID = id
	c.info.SessionKey = append([]byte(nil), key...)
	c.info.Guest = guest
	c.info.Anonymous = anon
	c.info.Mechanism = mech
}

// Logoff ends the session. Trees connected under it become invalid and the
// connection returns to NEGOTIATED.
func (c *Conn) Logoff(ctx context.Context) error {
	if err := c.require("logoff", StateSessionActive, StateTreeActive); err != nil {
		return err
	}
	var err error
	if c.mux.Family() == FamilySMB1 {
		_, _, err = Do1[*smb1.LogoffAndXResponse](ctx, c.mux, &smb1.LogoffAndXRequest{})
	} else {
		_, _, err = Do[*types.LogoffResponse](ctx, c.mux, &types.LogoffRequest{})
	}
	// The session is gone server side even when the response says otherwise.
	if err != nil && !errors.Is(err, ErrSessionExpired) {
		return fmt.Errorf("logoff from %s: %w", c.host, err)
	}
	c.mux.DeactivateSigning()
	c.mux.SetSessionID(0)

	c.ipcMu.Lock()
	c.ipc = nil
	c.ipcMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.trees)
	c.connecting = 0
	c.info.SessionID = 0
	c.info.SessionKey = nil
	c.info.Guest, c.info.Anonymous = false, false
	return c.transitionLocked(StateNegotiated)
}
