package smb

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/ineffectivecoder/smbwire/internal/encoding"
	"github.com/ineffectivecoder/smbwire/internal/logger"
	"github.com/ineffectivecoder/smbwire/pkg/smb/smb1"
	"github.com/ineffectivecoder/smbwire/pkg/smb/types"
)

// Negotiate agrees on a dialect with the server. The connection must be
// DISCONNECTED; on success it is NEGOTIATED. A rejected answer leaves the
// connection DISCONNECTED and closes it.
func (c *Conn) Negotiate(ctx context.Context) error {
	if err := c.transition(StateNegotiating); err != nil {
		return err
	}
	start := time.Now()
	var err error
	if c.mux.Family() == FamilySMB1 {
		err = c.negotiate1(ctx)
	} else {
		err = c.negotiate2(ctx)
	}
	if err != nil {
		c.Close()
		return fmt.Errorf("negotiate with %s: %w", c.host, err)
	}
	info := c.Info()
	logger.DebugCtx(ctx, "negotiated", logger.KeyServer, c.host, logger.KeyDialect, info.DialectName(),
		"signing_required", info.SigningRequired, logger.KeyDurationMs, logger.Duration(start))
	return c.transition(StateNegotiated)
}

func (c *Conn) negotiate2(ctx context.Context) error {
	dialects := c.policy.Dialects()
	if len(dialects) == 0 {
		return fmt.Errorf("%w: no SMB2 dialect in %s..%s", ErrNegotiation, c.policy.MinDialect, c.policy.MaxDialect)
	}
	req := types.NewNegotiateRequest(dialects, c.policy.SigningRequired)
	if req.Offers(types.DialectSMB3_1_1) {
		salt := make([]byte, 32)
		if _, err := rand.Read(salt); err != nil {
			return err
		}
		pi := &types.PreauthIntegrity{HashAlgorithms: []uint16{types.HashAlgorithmSHA512}, Salt: salt}
		sc := &types.SigningCapabilities{Algorithms: []uint16{types.SigningAESCMAC}}
		req.Contexts = append(req.Contexts, pi.Context(), sc.Context())
	}

	resp, reply, err := Do[*types.NegotiateResponse](ctx, c.mux, req)
	if err != nil {
		return err
	}
	if err := IsValid(c.policy, req, resp); err != nil {
		return err
	}
	c.mux.SetDialect(resp.DialectRevision, resp.Capabilities&types.GlobalCapLargeMTU != 0)

	c.mu.Lock()
	defer c.mu.Unlock()
	if resp.DialectRevision == types.DialectSMB3_1_1 {
		c.preauth = newPreauthHash().update(reply.Sent, reply.Raw)
	}
	c.info = SessionState{
		Family:          FamilySMB2,
		Dialect:         resp.DialectRevision,
		ServerGUID:      resp.ServerGUID,
		Capabilities:    uint32(resp.Capabilities),
		SigningEnabled:  resp.SigningEnabled(),
		SigningRequired: resp.RequiresSigning() || c.policy.SigningRequired,
		MaxReadSize:     clampSize(resp.MaxReadSize, c.cfg.Limits.MaxReadSize),
		MaxWriteSize:    clampSize(resp.MaxWriteSize, c.cfg.Limits.MaxWriteSize),
		MaxTransactSize: clampSize(resp.MaxTransactSize, c.cfg.Limits.MaxTransactSize),
		SystemTime:      encoding.FiletimeToTime(resp.SystemTime),
	}
	c.hint = resp.SecurityBuffer
	return nil
}

func (c *Conn) negotiate1(ctx context.Context) error {
	resp, _, err := Do1[*smb1.NegotiateResponse](ctx, c.mux, smb1.NewNegotiateRequest())
	if err != nil {
		return err
	}
	if err := IsValidSMB1(c.policy, resp); err != nil {
		return err
	}
	c.mux.SetSMB1Window(resp.MaxMpxCount)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.neg1 = resp
	c.hint = resp.SecurityBlob
	c.info = SessionState{
		Family:          FamilySMB1,
		ServerGUID:      resp.ServerGUID,
		Capabilities:    resp.Capabilities,
		SigningEnabled:  resp.SigningEnabled(),
		SigningRequired: resp.RequiresSigning() || c.policy.SigningRequired,
		MaxReadSize:     clampSize(resp.MaxBufferSize, c.cfg.Limits.MaxReadSize),
		MaxWriteSize:    clampSize(resp.MaxBufferSize, c.cfg.Limits.MaxWriteSize),
		MaxTransactSize: clampSize(resp.MaxBufferSize, c.cfg.Limits.MaxTransactSize),
		SystemTime:      encoding.FiletimeToTime(resp.SystemTime),
	}
	return nil
}

// clampSize bounds a server limit by the configured one, if set.
func clampSize(server, configured uint32) uint32 {
	if configured > 0 && configured < server {
		return configured
	}
	return server
}
