package returncodes

import (
	"github.com/roach88/quorum/internal/protocol"
)

// Message type names on the wire.
const (
	TypePartialChoiceCodesRequest  = "PartialChoiceCodesRequest"
	TypePartialChoiceCodesResponse = "PartialChoiceCodesResponse"
	TypeMixDecryptRequest          = "MixDecryptRequest"
	TypeMixDecryptResponse         = "MixDecryptResponse"
)

// PartialChoiceCodesRequest asks every node for its share of a voter's
// choice return codes.
type PartialChoiceCodesRequest struct {
	ElectionEventID       string `cbor:"election_event_id"`
	VerificationCardSetID string `cbor:"verification_card_set_id"`
	VerificationCardID    string `cbor:"verification_card_id"`
	EncryptedVote         []byte `cbor:"encrypted_vote"`
}

func (PartialChoiceCodesRequest) MessageType() string { return TypePartialChoiceCodesRequest }

// PartialChoiceCodesResponse is one node's share.
type PartialChoiceCodesResponse struct {
	NodeID             int      `cbor:"node_id"`
	VerificationCardID string   `cbor:"verification_card_id"`
	PartialCodes       []string `cbor:"partial_codes"`
}

func (PartialChoiceCodesResponse) MessageType() string { return TypePartialChoiceCodesResponse }

// MixDecryptRequest asks one node to shuffle and partially decrypt a ballot
// box.
type MixDecryptRequest struct {
	ElectionEventID string   `cbor:"election_event_id"`
	BallotBoxID     string   `cbor:"ballot_box_id"`
	NodeID          int      `cbor:"node_id"`
	Ciphertexts     [][]byte `cbor:"ciphertexts"`
}

func (MixDecryptRequest) MessageType() string { return TypeMixDecryptRequest }

// MixDecryptResponse is the node's shuffled and partially decrypted output.
type MixDecryptResponse struct {
	NodeID      int      `cbor:"node_id"`
	BallotBoxID string   `cbor:"ballot_box_id"`
	Ciphertexts [][]byte `cbor:"ciphertexts"`
	Proof       []byte   `cbor:"proof"`
}

func (MixDecryptResponse) MessageType() string { return TypeMixDecryptResponse }

// ChoiceCodes is the combined outcome of a choice-code computation.
type ChoiceCodes struct {
	VerificationCardID string `cbor:"verification_card_id"`

	// Partials holds the partial codes of node i+1 at index i.
	Partials [][]string `cbor:"partials"`
}

// MixDecryptResult is the outcome of one node's mixing step.
type MixDecryptResult struct {
	NodeID      protocol.NodeID `cbor:"node_id"`
	BallotBoxID string          `cbor:"ballot_box_id"`
	Ciphertexts [][]byte        `cbor:"ciphertexts"`
	Proof       []byte          `cbor:"proof"`
}
