package identity

import (
	"crypto/rand"

	"github.com/cuemby/meshsync/pkg/crypto"
	"github.com/cuemby/meshsync/pkg/stream"
	"github.com/cuemby/meshsync/pkg/syncerr"
	"github.com/cuemby/meshsync/pkg/types"
	"github.com/cuemby/meshsync/pkg/wire"
)

// ChallengeDomain separates handshake signatures from every other use of a
// member key. Changing it breaks wire compatibility.
const ChallengeDomain = "calimero-sync-v1"

// Session is the outcome of a completed handshake. The channel it ran on is
// armed with the derived key; all further traffic on the stream is
// encrypted with nonce counters starting at zero.
type Session struct {
	PeerIdentity    types.PublicKey
	PeerFingerprint types.Fingerprint
}

// transcript is the signed handshake statement. The ephemeral component is
// bound into the signature so a man-in-the-middle cannot swap its own key
// under a replayed signature.
func transcript(ctx types.ContextID, challenge [32]byte, ephemeral [32]byte) []byte {
	buf := make([]byte, 0, len(ctx)+len(challenge)+len(ephemeral)+len(ChallengeDomain))
	buf = append(buf, ctx[:]...)
	buf = append(buf, challenge[:]...)
	buf = append(buf, ephemeral[:]...)
	buf = append(buf, ChallengeDomain...)
	return buf
}

// Initiate runs the initiator half of the key exchange on a plaintext
// channel. On success the channel is encrypted and the responder's identity
// and fingerprint are returned.
func Initiate(ch *stream.Channel, ctx *types.Context, id *Identity, local types.Fingerprint) (*Session, error) {
	err := ch.Send(&wire.HandshakeInit{
		ContextID:   ctx.ID,
		Identity:    id.Public,
		Fingerprint: wire.FingerprintFromTypes(local),
	})
	if err != nil {
		return nil, err
	}

	challenge, err := stream.RecvExpect[*wire.HandshakeChallenge](ch)
	if err != nil {
		return nil, err
	}

	ephemeral, err := crypto.NewEphemeralKey()
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindCrypto, "ephemeral key", err)
	}

	reply := &wire.HandshakeReply{EphemeralPub: ephemeral.Public}
	copy(reply.Signature[:], id.Sign(transcript(ctx.ID, challenge.Nonce, ephemeral.Public)))
	if err := ch.Send(reply); err != nil {
		return nil, err
	}

	complete, err := stream.RecvExpect[*wire.HandshakeComplete](ch)
	if err != nil {
		return nil, err
	}

	if !ctx.IsMember(complete.Identity) {
		return nil, syncerr.Newf(syncerr.KindCrypto, "responder identity %s is not a member of context %s", complete.Identity, ctx.ID)
	}
	if !Verify(complete.Identity, transcript(ctx.ID, challenge.Nonce, complete.EphemeralPub), complete.Signature[:]) {
		return nil, syncerr.New(syncerr.KindCrypto, "responder handshake signature invalid")
	}

	secret, err := ephemeral.SharedSecret(complete.EphemeralPub)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindCrypto, "shared secret", err)
	}

	ch.SetKey(crypto.DeriveSessionKey(secret, ctx.ID[:], id.Public[:], complete.Identity[:]))

	return &Session{
		PeerIdentity:    complete.Identity,
		PeerFingerprint: complete.Fingerprint.ToTypes(),
	}, nil
}

// Respond runs the responder half of the key exchange. The caller has
// already received and validated the HandshakeInit far enough to resolve
// the context; Respond enforces membership, issues the challenge, verifies
// the initiator's signature and completes key agreement.
func Respond(ch *stream.Channel, init *wire.HandshakeInit, ctx *types.Context, id *Identity, local types.Fingerprint) (*Session, error) {
	if !ctx.IsMember(init.Identity) {
		_ = ch.Send(wire.Err(wire.CodeUnauthorized))
		return nil, syncerr.Newf(syncerr.KindCrypto, "initiator identity %s is not a member of context %s", init.Identity, ctx.ID)
	}

	var challenge [32]byte
	if _, err := rand.Read(challenge[:]); err != nil {
		return nil, syncerr.Wrap(syncerr.KindCrypto, "challenge nonce", err)
	}
	if err := ch.Send(&wire.HandshakeChallenge{Nonce: challenge}); err != nil {
		return nil, err
	}

	reply, err := stream.RecvExpect[*wire.HandshakeReply](ch)
	if err != nil {
		if syncerr.KindOf(err) == syncerr.KindTransport {
			_ = ch.Send(wire.Err(wire.CodeHandshakeTimeout))
		}
		return nil, err
	}

	if !Verify(init.Identity, transcript(ctx.ID, challenge, reply.EphemeralPub), reply.Signature[:]) {
		_ = ch.Send(wire.Err(wire.CodeVerificationFailure))
		return nil, syncerr.New(syncerr.KindCrypto, "initiator handshake signature invalid")
	}

	ephemeral, err := crypto.NewEphemeralKey()
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindCrypto, "ephemeral key", err)
	}

	complete := &wire.HandshakeComplete{
		Identity:     id.Public,
		EphemeralPub: ephemeral.Public,
		Fingerprint:  wire.FingerprintFromTypes(local),
	}
	copy(complete.Signature[:], id.Sign(transcript(ctx.ID, challenge, ephemeral.Public)))
	if err := ch.Send(complete); err != nil {
		return nil, err
	}

	secret, err := ephemeral.SharedSecret(reply.EphemeralPub)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindCrypto, "shared secret", err)
	}

	ch.SetKey(crypto.DeriveSessionKey(secret, ctx.ID[:], init.Identity[:], id.Public[:]))

	return &Session{
		PeerIdentity:    init.Identity,
		PeerFingerprint: init.Fingerprint.ToTypes(),
	}, nil
}
