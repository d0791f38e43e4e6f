package identity

import (
	"net"
	"testing"
	"time"

	"github.com/cuemby/meshsync/pkg/crypto"
	"github.com/cuemby/meshsync/pkg/storage"
	"github.com/cuemby/meshsync/pkg/stream"
	"github.com/cuemby/meshsync/pkg/syncerr"
	"github.com/cuemby/meshsync/pkg/types"
	"github.com/cuemby/meshsync/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	data map[string][]byte
}

func newMemStore() *memStore { return &memStore{data: make(map[string][]byte)} }

func (m *memStore) key(col storage.Column, k []byte) string { return string(col) + "/" + string(k) }

func (m *memStore) Get(col storage.Column, k []byte) ([]byte, error) {
	v, ok := m.data[m.key(col, k)]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (m *memStore) Put(col storage.Column, k, v []byte) error {
	m.data[m.key(col, k)] = append([]byte(nil), v...)
	return nil
}

func (m *memStore) Delete(col storage.Column, k []byte) error {
	delete(m.data, m.key(col, k))
	return nil
}

func (m *memStore) Iter(col storage.Column, prefix []byte, fn func(k, v []byte) error) error {
	want := m.key(col, prefix)
	for k, v := range m.data {
		if len(k) >= len(want) && k[:len(want)] == want {
			if err := fn([]byte(k[len(string(col))+1:]), v); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *memStore) Apply(tx storage.Transaction) error {
	for _, op := range tx {
		if op.Delete {
			_ = m.Delete(op.Col, op.Key)
			continue
		}
		_ = m.Put(op.Col, op.Key, op.Value)
	}
	return nil
}

func (m *memStore) Close() error { return nil }

func newTestIdentity(t *testing.T, ctx types.ContextID) *Identity {
	t.Helper()
	svc, err := NewService(newMemStore())
	require.NoError(t, err)
	id, err := svc.Create(ctx)
	require.NoError(t, err)
	return id
}

func handshakePair(t *testing.T) (*stream.Channel, *stream.Channel) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	chA := stream.NewChannel(a, crypto.DirectionInitiator, time.Second)
	chB := stream.NewChannel(b, crypto.DirectionResponder, time.Second)
	return chA, chB
}

func TestHandshakeEstablishesSession(t *testing.T) {
	ctxID := types.ContextID{1}
	initiator := newTestIdentity(t, ctxID)
	responder := newTestIdentity(t, ctxID)

	ctx := &types.Context{
		ID: ctxID,
		Members: []types.Member{
			{Key: initiator.Public},
			{Key: responder.Public},
		},
	}

	chA, chB := handshakePair(t)

	respFp := types.Fingerprint{RootHash: types.Hash{7}, AppliedDeltas: 3}
	initFp := types.Fingerprint{AppliedDeltas: 1}

	done := make(chan *Session, 1)
	errCh := make(chan error, 1)
	go func() {
		first, err := chB.Recv()
		if err != nil {
			errCh <- err
			return
		}
		sess, err := Respond(chB, first.(*wire.HandshakeInit), ctx, responder, respFp)
		if err != nil {
			errCh <- err
			return
		}
		done <- sess
	}()

	sess, err := Initiate(chA, ctx, initiator, initFp)
	require.NoError(t, err)
	assert.Equal(t, responder.Public, sess.PeerIdentity)
	assert.Equal(t, respFp, sess.PeerFingerprint)

	select {
	case respSess := <-done:
		assert.Equal(t, initiator.Public, respSess.PeerIdentity)
		assert.Equal(t, initFp, respSess.PeerFingerprint)
	case err := <-errCh:
		t.Fatalf("responder failed: %v", err)
	}

	// Both channels are armed with the same key: encrypted traffic flows.
	require.True(t, chA.Encrypted())
	require.True(t, chB.Encrypted())

	msg := &wire.HashReq{NodeID: types.EntityID{9}}
	go func() { _ = chA.Send(msg) }()
	got, err := chB.Recv()
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestHandshakeRejectsNonMember(t *testing.T) {
	ctxID := types.ContextID{2}
	initiator := newTestIdentity(t, ctxID)
	responder := newTestIdentity(t, ctxID)

	// The responder's member set does not include the initiator.
	ctx := &types.Context{
		ID:      ctxID,
		Members: []types.Member{{Key: responder.Public}},
	}

	chA, chB := handshakePair(t)

	respErr := make(chan error, 1)
	go func() {
		first, err := chB.Recv()
		if err != nil {
			respErr <- err
			return
		}
		_, err = Respond(chB, first.(*wire.HandshakeInit), ctx, responder, types.Fingerprint{})
		respErr <- err
	}()

	initCtx := &types.Context{
		ID:      ctxID,
		Members: []types.Member{{Key: initiator.Public}, {Key: responder.Public}},
	}
	_, err := Initiate(chA, initCtx, initiator, types.Fingerprint{})
	require.Error(t, err)

	err = <-respErr
	require.Error(t, err)
	assert.Equal(t, syncerr.KindCrypto, syncerr.KindOf(err))
}

func TestHandshakeRejectsForgedSignature(t *testing.T) {
	ctxID := types.ContextID{3}
	initiator := newTestIdentity(t, ctxID)
	responder := newTestIdentity(t, ctxID)
	impostor := newTestIdentity(t, ctxID)

	ctx := &types.Context{
		ID: ctxID,
		Members: []types.Member{
			{Key: initiator.Public},
			{Key: responder.Public},
		},
	}

	chA, chB := handshakePair(t)

	respErr := make(chan error, 1)
	go func() {
		first, err := chB.Recv()
		if err != nil {
			respErr <- err
			return
		}
		_, err = Respond(chB, first.(*wire.HandshakeInit), ctx, responder, types.Fingerprint{})
		respErr <- err
	}()

	// The impostor claims the member identity but signs with its own key.
	err := chA.Send(&wire.HandshakeInit{ContextID: ctxID, Identity: initiator.Public})
	require.NoError(t, err)
	challenge, err := stream.RecvExpect[*wire.HandshakeChallenge](chA)
	require.NoError(t, err)

	eph, err := crypto.NewEphemeralKey()
	require.NoError(t, err)
	reply := &wire.HandshakeReply{EphemeralPub: eph.Public}
	copy(reply.Signature[:], impostor.Sign(transcript(ctxID, challenge.Nonce, eph.Public)))
	require.NoError(t, chA.Send(reply))

	status, err := stream.RecvExpect[*wire.Status](chA)
	require.NoError(t, err)
	assert.Equal(t, wire.CodeVerificationFailure, status.Code)

	err = <-respErr
	require.Error(t, err)
	assert.Equal(t, syncerr.KindCrypto, syncerr.KindOf(err))
}

func TestServicePersistsIdentities(t *testing.T) {
	store := newMemStore()
	ctxID := types.ContextID{4}

	svc, err := NewService(store)
	require.NoError(t, err)
	created, err := svc.Create(ctxID)
	require.NoError(t, err)

	reloaded, err := NewService(store)
	require.NoError(t, err)
	ident, err := reloaded.ForContext(ctxID)
	require.NoError(t, err)
	assert.Equal(t, created.Public, ident.Public)

	// The reloaded private key signs verifiably.
	sig := ident.Sign([]byte("probe"))
	assert.True(t, Verify(ident.Public, []byte("probe"), sig))

	_, err = reloaded.ForContext(types.ContextID{5})
	assert.Error(t, err)
}
