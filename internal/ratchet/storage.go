package ratchet

import (
	"encoding/json"
	"fmt"

	dr "github.com/status-im/doubleratchet"

	"github.com/veldtchat/e2ee-go/internal/keystore"
)

// dhPair implements dr.DHPair over raw key material.
type dhPair struct {
	priv dr.Key
	pub  dr.Key
}

func (p dhPair) PrivateKey() dr.Key { return p.priv }
func (p dhPair) PublicKey() dr.Key  { return p.pub }

// toKey clones raw key material into the library's key type. dr.Key is a
// slice, so the clone keeps persisted state independent of library-internal
// mutation.
func toKey(b []byte) dr.Key {
	return dr.Key(append([]byte(nil), b...))
}

// sessionState is the persisted subset of dr.State. Skipped message keys stay
// in memory: they only matter for out-of-order delivery within one process
// lifetime, and the relay delivers in order per sender.
type sessionState struct {
	RootKey      []byte `json:"rootKey"`
	DHsPrivate   []byte `json:"dhsPrivate"`
	DHsPublic    []byte `json:"dhsPublic"`
	DHr          []byte `json:"dhr"`
	PN           uint32 `json:"pn"`
	SendChainKey []byte `json:"sendChainKey"`
	SendChainN   uint32 `json:"sendChainN"`
	RecvChainKey []byte `json:"recvChainKey"`
	RecvChainN   uint32 `json:"recvChainN"`
	Step         uint   `json:"step"`
	KeysCount    uint   `json:"keysCount"`
}

// sessionStorage adapts the keystore to dr.SessionStorage. The ratchet
// library saves state through this after every successful encrypt/decrypt;
// failed operations never reach it, so ratchet counters cannot advance on a
// failed decrypt.
type sessionStorage struct {
	store *keystore.Store
}

func (ss sessionStorage) Save(id []byte, state *dr.State) error {
	st := sessionState{
		RootKey:      state.RootCh.CK,
		DHr:          state.DHr,
		PN:           state.PN,
		SendChainKey: state.SendCh.CK,
		SendChainN:   state.SendCh.N,
		RecvChainKey: state.RecvCh.CK,
		RecvChainN:   state.RecvCh.N,
		Step:         state.Step,
		KeysCount:    state.KeysCount,
	}
	if state.DHs != nil {
		st.DHsPrivate = state.DHs.PrivateKey()
		st.DHsPublic = state.DHs.PublicKey()
	}

	blob, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("ratchet: marshal session state: %w", err)
	}
	return ss.store.SaveSessionState(string(id), blob)
}

func (ss sessionStorage) Load(id []byte) (*dr.State, error) {
	blob, err := ss.store.LoadSessionState(string(id))
	if err != nil {
		return nil, err
	}
	if blob == nil {
		return nil, nil
	}

	var st sessionState
	if err := json.Unmarshal(blob, &st); err != nil {
		return nil, fmt.Errorf("ratchet: unmarshal session state: %w", err)
	}

	state := dr.DefaultState(toKey(st.RootKey))
	state.DHs = dhPair{priv: toKey(st.DHsPrivate), pub: toKey(st.DHsPublic)}
	state.DHr = toKey(st.DHr)
	state.PN = st.PN
	state.SendCh.CK = toKey(st.SendChainKey)
	state.SendCh.N = st.SendChainN
	state.RecvCh.CK = toKey(st.RecvChainKey)
	state.RecvCh.N = st.RecvChainN
	state.Step = st.Step
	state.KeysCount = st.KeysCount
	return &state, nil
}
