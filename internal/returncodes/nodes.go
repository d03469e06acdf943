package returncodes

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/roach88/quorum/internal/broker"
	"github.com/roach88/quorum/internal/protocol"
	"github.com/roach88/quorum/internal/worker"
)

// choiceChunk is the size of one encrypted choice in an encrypted vote.
const choiceChunk = 32

// Responders returns the simulated control-component behaviour by request
// type. Outputs are deterministic per node and input.
func Responders() map[string]worker.Responder {
	return map[string]worker.Responder{
		TypePartialChoiceCodesRequest: respondPartialChoiceCodes,
		TypeMixDecryptRequest:         respondMixDecrypt,
	}
}

// InstallResponders registers Responders on sim.
func InstallResponders(sim *worker.Simulator) {
	for requestType, r := range Responders() {
		sim.Handle(requestType, r)
	}
}

func respondPartialChoiceCodes(_ context.Context, node protocol.NodeID, msg broker.Message) (protocol.Message, error) {
	var req PartialChoiceCodesRequest
	if err := protocol.Unmarshal(msg.Body, &req); err != nil {
		return nil, fmt.Errorf("decode %s: %w", TypePartialChoiceCodesRequest, err)
	}

	codes := make([]string, 0, len(req.EncryptedVote)/choiceChunk+1)
	for start := 0; start < len(req.EncryptedVote); start += choiceChunk {
		end := min(start+choiceChunk, len(req.EncryptedVote))
		codes = append(codes, nodeDigest(node, req.VerificationCardID, req.EncryptedVote[start:end])[:16])
	}
	return PartialChoiceCodesResponse{
		NodeID:             int(node),
		VerificationCardID: req.VerificationCardID,
		PartialCodes:       codes,
	}, nil
}

func respondMixDecrypt(_ context.Context, node protocol.NodeID, msg broker.Message) (protocol.Message, error) {
	var req MixDecryptRequest
	if err := protocol.Unmarshal(msg.Body, &req); err != nil {
		return nil, fmt.Errorf("decode %s: %w", TypeMixDecryptRequest, err)
	}
	if protocol.NodeID(req.NodeID) != node {
		return nil, fmt.Errorf("request for node %d delivered to node %d", req.NodeID, node)
	}

	// Reversing stands in for the shuffle.
	out := make([][]byte, len(req.Ciphertexts))
	h := blake3.New()
	for i, c := range req.Ciphertexts {
		out[len(out)-1-i] = c
		h.Write(c)
	}
	fmt.Fprintf(h, "%s/%d", req.BallotBoxID, node)

	return MixDecryptResponse{
		NodeID:      int(node),
		BallotBoxID: req.BallotBoxID,
		Ciphertexts: out,
		Proof:       h.Sum(nil),
	}, nil
}

func nodeDigest(node protocol.NodeID, cardID string, data []byte) string {
	h := blake3.New()
	fmt.Fprintf(h, "%d/%s/", node, cardID)
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
